// Package daemon implements the multiplexer/event loop (C5) and the
// timeout sweeper (C6): the single dispatcher that owns every session and
// drives it to completion, one datagram at a time.
package daemon

import (
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/netdumpd/netdumpd/dumpstore"
	"github.com/netdumpd/netdumpd/hook"
	"github.com/netdumpd/netdumpd/resolve"
	"github.com/netdumpd/netdumpd/session"
	"github.com/netdumpd/netdumpd/stats"
	"github.com/netdumpd/netdumpd/wire"
)

// ClientTPass is the sweeper tick period (spec §4.6): 10 seconds.
const ClientTPass = 10 * time.Second

// ClientTimeout is the idle threshold beyond which a session is evicted
// (spec §4.6): 600 seconds.
const ClientTimeout = 600 * time.Second

// socketBufferHint is the receive-buffer size hint applied to every
// session socket (spec §4.7 step 3).
const socketBufferHint = 128 * 1024

// Logger is the narrow logging boundary the daemon and its sessions need.
type Logger interface {
	session.Logger
}

// Daemon owns the dump directory, the session table, and the listening
// socket, and drives the event loop described in spec §4.5.
type Daemon struct {
	Dir      *dumpstore.Dir
	Source   HeraldSource
	Hook     hook.Runner
	Counters *stats.Counters
	Log      Logger

	sessions map[string]*sessionEntry
	events   chan inboundEvent
}

type sessionEntry struct {
	sess *session.Session
	conn *net.UDPConn
}

type inboundEvent struct {
	herald   bool
	heraldDg HeraldDatagram
	key      string
	entry    *sessionEntry
	raw      []byte
}

// New constructs a Daemon ready to Run.
func New(dir *dumpstore.Dir, source HeraldSource, h hook.Runner, counters *stats.Counters, log Logger) *Daemon {
	return &Daemon{
		Dir:      dir,
		Source:   source,
		Hook:     h,
		Counters: counters,
		Log:      log,
		sessions: make(map[string]*sessionEntry),
		events:   make(chan inboundEvent, 256),
	}
}

// Run is the event loop: a single goroutine (this one) dispatches every
// datagram and drives every state transition, matching spec §5's "every
// dispatched handler runs to completion before the next datagram is
// observed". Socket reads themselves happen concurrently on per-socket
// goroutines that only ever feed the shared events channel; the dispatch
// itself never runs on more than one goroutine at a time.
func (d *Daemon) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go d.heraldReader()

	ticker := time.NewTicker(ClientTPass)
	defer ticker.Stop()

	for {
		select {
		case ev := <-d.events:
			d.dispatch(ev)

		case <-ticker.C:
			d.sweep(time.Now())

		case <-sigCh:
			d.Log.Printf("shutdown signal received, draining sessions")
			d.shutdown()
			return nil
		}
	}
}

// heraldReader runs on its own goroutine, blocking on the listening socket
// and feeding herald events to the dispatcher. It exits when the source is
// closed (shutdown).
func (d *Daemon) heraldReader() {
	for {
		dg, err := d.Source.ReceiveHerald()
		if err != nil {
			return
		}
		d.events <- inboundEvent{herald: true, heraldDg: dg}
	}
}

// sessionReader runs on its own goroutine per active session, blocking on
// that session's connected socket and feeding datagram events to the
// dispatcher. It exits when the session's socket is closed. Every event it
// sends is tagged with the *sessionEntry it was spawned for, so the
// dispatcher can tell a datagram read before a session was superseded from
// one belonging to whatever now occupies the same key.
func (d *Daemon) sessionReader(key string, entry *sessionEntry) {
	buf := make([]byte, wire.MaxPayload+64)
	for {
		n, err := entry.conn.Read(buf)
		if err != nil {
			return
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		d.events <- inboundEvent{key: key, entry: entry, raw: raw}
	}
}

func (d *Daemon) dispatch(ev inboundEvent) {
	if ev.herald {
		d.handleHerald(ev.heraldDg)
		return
	}
	// A reader goroutine's Read can race a session being terminated and
	// recreated under the same key (spec §8 scenario 6): the old reader
	// blocks in Read, the dispatcher evicts and replaces its session, and
	// only then does the stale Read return. Comparing the entry captured
	// at spawn time against the table's current occupant catches that case,
	// and a session that has simply been removed is dropped here the same
	// way.
	if current, ok := d.sessions[ev.key]; !ok || current != ev.entry {
		d.Counters.DatagramsDropped.Add(1)
		return
	}
	d.handleSessionDatagram(ev.key, ev.raw)
}

// handleHerald implements spec §4.5's herald path and §4.4's herald
// transition table.
func (d *Daemon) handleHerald(dg HeraldDatagram) {
	parsed, err := wire.Parse(dg.Raw)
	if err != nil || parsed.Type != wire.Herald {
		d.Counters.DatagramsDropped.Add(1)
		d.Log.Printf("herald path: dropping malformed or non-herald datagram from %v: %v", dg.Peer, err)
		return
	}

	ip := dg.Peer.IP
	key := ip.String()

	if existing, ok := d.sessions[key]; ok {
		if !existing.sess.AnyDataReceived() {
			// Retransmitted herald before any data: re-ack, do not
			// recreate.
			d.ackOn(existing.conn, parsed.Sequence)
			return
		}
		// A new dump is starting while the previous one is still active:
		// evict it with reason "timeout", then fall through to create.
		d.terminate(key, existing, existing.sess.Timeout())
	}

	d.createSession(key, ip, dg.Dst, dg.Peer, parsed.Sequence)
}

func (d *Daemon) createSession(key string, ip net.IP, dst, peer *net.UDPAddr, heraldSeq uint32) {
	host := resolve.ShortHostname(ip)

	conn, err := d.Source.NewSessionSocket(dst, peer)
	if err != nil {
		d.Log.Warnf("session creation for %s: could not create session socket: %v", host, err)
		return
	}
	if err := conn.SetReadBuffer(socketBufferHint); err != nil {
		d.Log.Warnf("session creation for %s: SetReadBuffer: %v", host, err)
	}

	pair, err := dumpstore.Reserve(d.Dir, host)
	if err != nil {
		conn.Close()
		if errors.Is(err, dumpstore.ErrNoSlot) {
			d.Log.Warnf("session creation for %s: no free dump slot, herald not acked", host)
		} else {
			d.Log.Warnf("session creation for %s: reserve failed: %v", host, err)
		}
		return
	}

	sess := session.New(ip, host, conn, d.Dir, pair, time.Now(), d.Log)
	entry := &sessionEntry{sess: sess, conn: conn}
	d.sessions[key] = entry
	d.Counters.SessionsOpened.Add(1)

	go d.sessionReader(key, entry)

	d.ackOn(conn, heraldSeq)
}

func (d *Daemon) handleSessionDatagram(key string, raw []byte) {
	entry, ok := d.sessions[key]
	if !ok {
		// Session already removed (e.g. terminated between read and
		// dispatch); drop silently.
		return
	}

	parsed, err := wire.Parse(raw)
	if err != nil {
		d.Counters.DatagramsDropped.Add(1)
		d.Log.Printf("session %s: dropping malformed datagram: %v", entry.sess.Host, err)
		return
	}

	out := entry.sess.Handle(time.Now(), parsed)
	d.Counters.BytesBuffered.Add(out.BytesAccepted)
	d.Counters.BytesFlushed.Add(out.BytesFlushed)
	if out.Ack {
		d.ackOn(entry.conn, out.AckSeq)
	}
	if out.Terminal {
		d.terminate(key, entry, out)
	}
}

func (d *Daemon) ackOn(conn *net.UDPConn, seq uint32) {
	if _, err := conn.Write(wire.EncodeAck(seq)); err != nil {
		// EAGAIN/transient write errors are tolerated silently; the client
		// retransmits on silence (spec §9 open question).
		return
	}
	d.Counters.AcksSent.Add(1)
}

// terminate removes a session from the table, runs the notification hook,
// and closes its socket. Called for every terminal transition regardless
// of cause.
func (d *Daemon) terminate(key string, entry *sessionEntry, out session.Outcome) {
	delete(d.sessions, key)
	entry.conn.Close()

	switch out.Reason {
	case "success":
		d.Counters.SessionsSuccess.Add(1)
	case "timeout":
		d.Counters.SessionsTimeout.Add(1)
	case "error":
		d.Counters.SessionsError.Add(1)
	}

	d.Hook.Run(out.Reason, entry.sess.RemoteIP.String(), entry.sess.Host, entry.sess.InfoName(), entry.sess.CoreName())
}

// sweep implements C6: evict every session idle beyond ClientTimeout.
// Iteration collects keys first so eviction (which mutates d.sessions) is
// safe against the map being changed mid-scan.
func (d *Daemon) sweep(now time.Time) {
	var stale []string
	for key, entry := range d.sessions {
		if now.Sub(entry.sess.LastActivity()) > ClientTimeout {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		entry := d.sessions[key]
		d.terminate(key, entry, entry.sess.Timeout())
	}
}

// shutdown drives every remaining session through the Timeout terminal
// transition (spec §5: "no work is abandoned silently") and closes the
// listening socket.
func (d *Daemon) shutdown() {
	for key, entry := range d.sessions {
		d.terminate(key, entry, entry.sess.Timeout())
	}
	d.Source.Close()
}
