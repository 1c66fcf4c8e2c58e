//go:build unix

package main

import (
	"context"
	"net"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/netdumpd/netdumpd/daemon"
)

// unixHeraldSource implements daemon.HeraldSource on platforms with
// SO_REUSEPORT and IP_PKTINFO-style destination-address delivery. Grounded
// in the teacher's own vendored kcp-go/v5/platform_linux.go (ipv4.NewPacketConn
// over a net.PacketConn) and in the HydraDNS listenReusePort control-callback
// idiom for SO_REUSEPORT.
type unixHeraldSource struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
	port int
}

// listen opens the listening UDP socket bound to addr with destination-
// address control messages enabled, satisfying spec §4.5's requirement that
// the herald path learn the destination address the client used.
func listen(addr string) (daemon.HeraldSource, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve bind address %s", addr)
	}

	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "enable destination-address control messages")
	}

	return &unixHeraldSource{conn: conn, pc: pc, port: udpAddr.Port}, nil
}

func (s *unixHeraldSource) ReceiveHerald() (daemon.HeraldDatagram, error) {
	buf := make([]byte, maxDatagramSize)
	n, cm, peerAddr, err := s.pc.ReadFrom(buf)
	if err != nil {
		return daemon.HeraldDatagram{}, err
	}

	peer, _ := peerAddr.(*net.UDPAddr)
	dst := &net.UDPAddr{Port: s.port}
	if cm != nil && cm.Dst != nil {
		dst.IP = cm.Dst
	} else if local, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		dst.IP = local.IP
	}

	raw := make([]byte, n)
	copy(raw, buf[:n])
	return daemon.HeraldDatagram{Raw: raw, Peer: peer, Dst: dst}, nil
}

// NewSessionSocket creates the per-session connected socket: bound to dst
// (with SO_REUSEPORT so it can share the listening port) and OS-connected
// to peer, so a plain Read/Write on the result only ever sees that peer and
// always replies from dst.
func (s *unixHeraldSource) NewSessionSocket(dst, peer *net.UDPAddr) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reusePortControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", dst.String())
	if err != nil {
		return nil, errors.Wrapf(err, "bind session socket to %s", dst)
	}

	conn := pc.(*net.UDPConn)
	if err := connectSocket(conn, peer); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "connect session socket to %s", peer)
	}
	return conn, nil
}

func (s *unixHeraldSource) Close() error {
	return s.conn.Close()
}

func reusePortControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		if sockErr == nil {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		}
	}); err != nil {
		return err
	}
	return sockErr
}

// connectSocket issues an OS-level connect(2) on an already net.ListenPacket
// bound UDP socket, so Read/Write on the resulting *net.UDPConn are
// implicitly restricted to, and addressed to, peer.
func connectSocket(conn *net.UDPConn, peer *net.UDPAddr) error {
	ip4 := peer.IP.To4()
	if ip4 == nil {
		return errors.Errorf("peer address %s is not IPv4", peer.IP)
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	if err := rawConn.Control(func(fd uintptr) {
		sa := &unix.SockaddrInet4{Port: peer.Port}
		copy(sa.Addr[:], ip4)
		sockErr = unix.Connect(int(fd), sa)
	}); err != nil {
		return err
	}
	return sockErr
}
