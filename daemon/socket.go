package daemon

import "net"

// HeraldDatagram is one datagram received on the listening socket, together
// with the ancillary destination address the client used — the detail the
// herald path needs so replies come from the address the client expects
// (spec §4.5/§9, the source's IP_RECVDSTADDR equivalent).
type HeraldDatagram struct {
	Raw  []byte
	Peer *net.UDPAddr
	Dst  *net.UDPAddr
}

// HeraldSource is the privilege boundary of spec §6: "receive-on-socket-
// with-ancillary, then produce a connected socket". The inline
// implementation (netdumpd/socket_unix.go, netdumpd/socket_windows.go) satisfies
// this directly; a privilege-separated implementation is named at this
// interface only, per spec §1's scoping of sandboxing to interfaces.
type HeraldSource interface {
	// ReceiveHerald blocks for the next datagram arriving on the listening
	// socket, returning it along with the destination address the client
	// used.
	ReceiveHerald() (HeraldDatagram, error)

	// NewSessionSocket creates the per-session connected UDP socket: bound
	// locally to dst (so replies carry the address the client expects),
	// restricted at read-time to traffic from peer.
	NewSessionSocket(dst, peer *net.UDPAddr) (*net.UDPConn, error)

	// Close releases the listening socket, unblocking any in-flight
	// ReceiveHerald.
	Close() error
}
