//go:build windows

package main

import (
	"net"

	"github.com/pkg/errors"

	"github.com/netdumpd/netdumpd/daemon"
)

// windowsHeraldSource is a degraded fallback: Windows has no SO_REUSEPORT
// and no portable destination-address control message through golang.org/x/net
// the way BSD/Linux do, so session sockets cannot bind to the exact address
// the client targeted. Every reply instead carries whatever address the
// kernel picks for an ephemeral dial, a known limitation on this platform
// (spec §9 open question).
type windowsHeraldSource struct {
	conn *net.UDPConn
}

func listen(addr string) (daemon.HeraldSource, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve bind address %s", addr)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	return &windowsHeraldSource{conn: conn}, nil
}

func (s *windowsHeraldSource) ReceiveHerald() (daemon.HeraldDatagram, error) {
	buf := make([]byte, maxDatagramSize)
	n, peer, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return daemon.HeraldDatagram{}, err
	}
	raw := make([]byte, n)
	copy(raw, buf[:n])

	local, _ := s.conn.LocalAddr().(*net.UDPAddr)
	return daemon.HeraldDatagram{Raw: raw, Peer: peer, Dst: local}, nil
}

func (s *windowsHeraldSource) NewSessionSocket(dst, peer *net.UDPAddr) (*net.UDPConn, error) {
	conn, err := net.DialUDP("udp4", nil, peer)
	if err != nil {
		return nil, errors.Wrapf(err, "dial session socket to %s", peer)
	}
	return conn, nil
}

func (s *windowsHeraldSource) Close() error {
	return s.conn.Close()
}
