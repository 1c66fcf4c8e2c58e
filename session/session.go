// Package session implements the per-client dump session: the protocol
// state machine (C4) built on top of the write coalescer (C3).
package session

import (
	"fmt"
	"net"
	"time"

	"github.com/netdumpd/netdumpd/dumpstore"
	"github.com/netdumpd/netdumpd/wire"
)

// State is the session's position in the protocol state machine.
type State int

const (
	AwaitingKDH State = iota
	Streaming
	TerminalSuccess
	TerminalTimeout
	TerminalError
)

func (s State) String() string {
	switch s {
	case AwaitingKDH:
		return "AwaitingKdh"
	case Streaming:
		return "Streaming"
	case TerminalSuccess:
		return "Terminal(Success)"
	case TerminalTimeout:
		return "Terminal(Timeout)"
	case TerminalError:
		return "Terminal(Error)"
	default:
		return "Unknown"
	}
}

// progressMarkerInterval is how often a VMCORE progress line is logged while
// streaming, matching the source's ~16MiB cadence.
const progressMarkerInterval = 16 * 1024 * 1024

// Logger is the narrow logging boundary a Session needs; daemon wires it to
// its own colorized/log.Logger-backed implementation.
type Logger interface {
	Printf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
}

// Outcome reports what a Session did with one datagram or forced
// transition: whether to ack it, and whether the session has become
// terminal (and why).
type Outcome struct {
	Ack      bool
	AckSeq   uint32
	Terminal bool
	Reason   string // "success" | "timeout" | "error", set iff Terminal

	// BytesAccepted and BytesFlushed are deltas for this call only, for the
	// daemon to add into its running stats counters (C9).
	BytesAccepted uint64
	BytesFlushed  uint64
}

// Session is the per-remote-IP dump session described by spec §3/§4.4.
type Session struct {
	RemoteIP net.IP
	Host     string
	Conn     *net.UDPConn

	dir  *dumpstore.Dir
	pair *dumpstore.Pair
	coal *Coalescer
	log  Logger

	state           State
	anyDataReceived bool
	lastActivity    time.Time
	bytesSinceMark  uint64
	kdh             *wire.KernelDumpHeader
}

// New constructs a session around an already-reserved (info, core) file
// pair and an already-registered socket. It does not perform any I/O beyond
// what NewCoalescer needs (none); callers follow the rollback steps of
// spec §4.7 themselves.
func New(remoteIP net.IP, host string, conn *net.UDPConn, dir *dumpstore.Dir, pair *dumpstore.Pair, now time.Time, log Logger) *Session {
	return &Session{
		RemoteIP:     remoteIP,
		Host:         host,
		Conn:         conn,
		dir:          dir,
		pair:         pair,
		coal:         NewCoalescer(pair.Core),
		log:          log,
		state:        AwaitingKDH,
		lastActivity: now,
	}
}

// State returns the session's current protocol state.
func (s *Session) State() State { return s.state }

// AnyDataReceived reports whether the session has processed any datagram
// beyond its creating herald, distinguishing a retransmitted herald from a
// genuinely new run.
func (s *Session) AnyDataReceived() bool { return s.anyDataReceived }

// LastActivity returns the last time a datagram was successfully received
// for this session.
func (s *Session) LastActivity() time.Time { return s.lastActivity }

// InfoName and CoreName expose the files this session owns, for hook
// invocation.
func (s *Session) InfoName() string { return s.pair.InfoName }
func (s *Session) CoreName() string { return s.pair.CoreName }

// Handle dispatches one already-parsed, already-type-validated datagram.
// Malformed datagrams never reach here: the caller runs wire.Parse and
// drops anything it rejects before calling Handle.
func (s *Session) Handle(now time.Time, dg wire.Datagram) Outcome {
	if s.state == TerminalSuccess || s.state == TerminalTimeout || s.state == TerminalError {
		// A terminal session should already have been removed from the
		// daemon's table; defensively ignore anything that still reaches
		// it rather than act on stale state.
		return Outcome{}
	}

	s.lastActivity = now

	switch dg.Type {
	case wire.Herald:
		// A herald on an already-created session's own socket is a
		// retransmit of the herald that created it (the new-session case
		// is handled by the daemon before a Session exists). Re-ack,
		// change nothing else.
		return Outcome{Ack: true, AckSeq: dg.Sequence}

	case wire.KDH:
		return s.handleKDH(dg)

	case wire.VMCore:
		return s.handleVMCore(dg)

	case wire.Finished:
		return s.handleFinished(dg)

	default:
		// wire.Parse already filters unknown types; reaching here would be
		// a caller bug, not a protocol event. Treat conservatively as a
		// no-op, no ack.
		s.log.Printf("session %s: unexpected datagram type %d reached Handle", s.Host, dg.Type)
		return Outcome{}
	}
}

func (s *Session) handleKDH(dg wire.Datagram) Outcome {
	h, err := wire.ParseKDH(dg.Payload)
	if err != nil {
		// Malformed KDH: log, drop, no ack, session survives per §7's
		// "malformed datagram never terminates a session".
		s.log.Printf("session %s: malformed KDH: %v", s.Host, err)
		return Outcome{}
	}
	if !h.ParityOK {
		s.log.Warnf("session %s: KDH parity check failed", s.Host)
	}
	s.kdh = &h

	if _, err := s.pair.Info.WriteString(h.Summary()); err != nil {
		return s.fail(fmt.Sprintf("write info file: %v", err))
	}
	if err := s.pair.Info.Sync(); err != nil {
		return s.fail(fmt.Sprintf("flush info file: %v", err))
	}

	s.anyDataReceived = true
	s.state = Streaming
	return Outcome{Ack: true, AckSeq: dg.Sequence}
}

func (s *Session) handleVMCore(dg wire.Datagram) Outcome {
	flushedBefore := s.coal.TotalFlushed()
	if err := s.coal.Accept(dg.Offset, dg.Payload); err != nil {
		return s.fail(fmt.Sprintf("buffer vmcore chunk at offset %d: %v", dg.Offset, err))
	}

	s.anyDataReceived = true
	s.bytesSinceMark += uint64(len(dg.Payload))
	if s.bytesSinceMark >= progressMarkerInterval {
		s.bytesSinceMark = 0
		s.log.Printf("session %s: received %d bytes so far", s.Host, s.coal.RunOffset()+uint64(s.coal.BufferLen()))
	}

	return Outcome{
		Ack:           true,
		AckSeq:        dg.Sequence,
		BytesAccepted: uint64(len(dg.Payload)),
		BytesFlushed:  s.coal.TotalFlushed() - flushedBefore,
	}
}

func (s *Session) handleFinished(dg wire.Datagram) Outcome {
	flushedBefore := s.coal.TotalFlushed()
	if err := s.coal.FinishFlush(); err != nil {
		return s.fail(fmt.Sprintf("final flush: %v", err))
	}
	flushedDelta := s.coal.TotalFlushed() - flushedBefore

	if err := dumpstore.CommitLast(s.dir, s.Host, s.pair); err != nil {
		// Symlink commit failure is logged but never rolls back the
		// successful dump; the ack was already earned by durability.
		s.log.Warnf("session %s: symlink commit failed: %v", s.Host, err)
	}

	s.writeTerminalLine("client finished successfully")
	s.state = TerminalSuccess
	s.closeFiles()
	return Outcome{Ack: true, AckSeq: dg.Sequence, Terminal: true, Reason: "success", BytesFlushed: flushedDelta}
}

// Timeout forces the Timeout terminal transition, used by the sweeper (C6)
// and by cooperative shutdown (every remaining session on SIGINT/SIGTERM).
func (s *Session) Timeout() Outcome {
	s.writeTerminalLine("client timed out")
	s.state = TerminalTimeout
	s.closeFiles()
	return Outcome{Terminal: true, Reason: "timeout"}
}

// fail drives the Terminal-Error transition: the info file records the
// failure, no further acks are ever emitted for this session.
func (s *Session) fail(detail string) Outcome {
	s.writeTerminalLine("error: " + detail)
	s.state = TerminalError
	s.closeFiles()
	return Outcome{Terminal: true, Reason: "error"}
}

func (s *Session) writeTerminalLine(line string) {
	if _, err := s.pair.Info.WriteString(line + "\n"); err != nil {
		s.log.Printf("session %s: failed to write terminal summary: %v", s.Host, err)
		return
	}
	s.pair.Info.Sync()
}

func (s *Session) closeFiles() {
	s.pair.Close()
}
