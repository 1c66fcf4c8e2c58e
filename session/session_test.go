package session

import (
	"bytes"
	"encoding/binary"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/netdumpd/netdumpd/dumpstore"
	"github.com/netdumpd/netdumpd/wire"
)

type testLogger struct {
	lines    []string
	warnings []string
}

func (l *testLogger) Printf(format string, v ...interface{}) {
	l.lines = append(l.lines, format)
}
func (l *testLogger) Warnf(format string, v ...interface{}) {
	l.warnings = append(l.warnings, format)
}

func newTestSession(t *testing.T) (*Session, *dumpstore.Dir, *testLogger) {
	t.Helper()
	dir, err := dumpstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("dumpstore.Open: %v", err)
	}
	pair, err := dumpstore.Reserve(dir, "nodeA")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	logger := &testLogger{}
	s := New([]byte{10, 0, 0, 7}, "nodeA", nil, dir, pair, time.Unix(0, 0), logger)
	return s, dir, logger
}

func kdhPayload(t *testing.T, hostname, panicStr string) []byte {
	t.Helper()
	var buf bytes.Buffer
	writeFixed := func(s string, width int) {
		b := make([]byte, width)
		copy(b, s)
		buf.Write(b)
	}
	writeFixed("amd64", 32)
	binary.Write(&buf, binary.BigEndian, uint32(1))
	binary.Write(&buf, binary.BigEndian, uint64(4096))
	binary.Write(&buf, binary.BigEndian, uint32(512))
	binary.Write(&buf, binary.BigEndian, uint64(1700000000))
	writeFixed(hostname, 64)
	writeFixed("FreeBSD 14", 256)
	writeFixed(panicStr, 256)
	binary.Write(&buf, binary.BigEndian, uint32(0)) // parity mismatch is fine for these tests
	return buf.Bytes()
}

func TestSingleSuccessfulDump(t *testing.T) {
	s, dir, _ := newTestSession(t)

	kdhOut := s.Handle(time.Unix(1, 0), wire.Datagram{Type: wire.KDH, Sequence: 2, Payload: kdhPayload(t, "nodeA", "test")})
	if !kdhOut.Ack || kdhOut.Terminal {
		t.Fatalf("unexpected KDH outcome: %+v", kdhOut)
	}
	if s.State() != Streaming {
		t.Fatalf("expected Streaming state, got %v", s.State())
	}

	chunks := []struct {
		offset uint64
		fill   byte
		n      int
	}{
		{0, 0xAA, 1456},
		{1456, 0xBB, 1456},
		{2912, 0xCC, 1184},
	}
	for i, c := range chunks {
		payload := bytes.Repeat([]byte{c.fill}, c.n)
		out := s.Handle(time.Unix(2, 0), wire.Datagram{Type: wire.VMCore, Sequence: uint32(3 + i), Offset: c.offset, Payload: payload})
		if !out.Ack || out.Terminal {
			t.Fatalf("chunk %d: unexpected outcome %+v", i, out)
		}
		if out.BytesAccepted != uint64(c.n) {
			t.Fatalf("chunk %d: expected BytesAccepted %d, got %d", i, c.n, out.BytesAccepted)
		}
	}

	finOut := s.Handle(time.Unix(3, 0), wire.Datagram{Type: wire.Finished, Sequence: 6})
	if !finOut.Ack || !finOut.Terminal || finOut.Reason != "success" {
		t.Fatalf("unexpected FINISHED outcome: %+v", finOut)
	}
	if finOut.BytesFlushed != uint64(1456+1456+1184) {
		t.Fatalf("expected final flush to report all 4096 bytes, got %d", finOut.BytesFlushed)
	}

	core, err := os.ReadFile(dir.Path() + "/vmcore.nodeA.0")
	if err != nil {
		t.Fatalf("read core: %v", err)
	}
	want := append(append(bytes.Repeat([]byte{0xAA}, 1456), bytes.Repeat([]byte{0xBB}, 1456)...), bytes.Repeat([]byte{0xCC}, 1184)...)
	if !bytes.Equal(core, want) {
		t.Fatalf("core contents mismatch")
	}

	target, err := os.Readlink(dir.Path() + "/vmcore.nodeA.last")
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "vmcore.nodeA.0" {
		t.Fatalf("unexpected symlink target %q", target)
	}
}

func TestRetransmittedKDHIsIdempotentForCore(t *testing.T) {
	s, dir, _ := newTestSession(t)

	s.Handle(time.Unix(1, 0), wire.Datagram{Type: wire.KDH, Sequence: 1, Payload: kdhPayload(t, "nodeA", "first")})
	s.Handle(time.Unix(1, 0), wire.Datagram{Type: wire.VMCore, Sequence: 2, Offset: 0, Payload: []byte("data")})
	out := s.Handle(time.Unix(2, 0), wire.Datagram{Type: wire.KDH, Sequence: 3, Payload: kdhPayload(t, "nodeA", "first")})
	if !out.Ack || out.Terminal {
		t.Fatalf("unexpected re-KDH outcome: %+v", out)
	}
	// The VMCORE chunk sits in the coalescer until FINISHED flushes it.
	s.Handle(time.Unix(3, 0), wire.Datagram{Type: wire.Finished, Sequence: 4})

	core, err := os.ReadFile(dir.Path() + "/vmcore.nodeA.0")
	if err != nil {
		t.Fatalf("read core: %v", err)
	}
	if string(core) != "data" {
		t.Fatalf("core file should be untouched by a duplicate KDH, got %q", core)
	}

	info, err := os.ReadFile(dir.Path() + "/info.nodeA.0")
	if err != nil {
		t.Fatalf("read info: %v", err)
	}
	if strings.Count(string(info), "Architecture: amd64") != 2 {
		t.Fatalf("expected two KDH summaries appended, got:\n%s", info)
	}
}

func TestMalformedKDHNeverTerminatesSession(t *testing.T) {
	s, _, logger := newTestSession(t)

	out := s.Handle(time.Unix(1, 0), wire.Datagram{Type: wire.KDH, Sequence: 1, Payload: []byte("too short")})
	if out.Ack || out.Terminal {
		t.Fatalf("malformed KDH should not ack or terminate, got %+v", out)
	}
	if s.State() != AwaitingKDH {
		t.Fatalf("state should be unchanged, got %v", s.State())
	}
	if len(logger.lines) == 0 {
		t.Fatalf("expected malformed KDH to be logged")
	}
}

func TestTimeoutWritesTerminalLineAndClosesFiles(t *testing.T) {
	s, dir, _ := newTestSession(t)
	s.Handle(time.Unix(1, 0), wire.Datagram{Type: wire.KDH, Sequence: 1, Payload: kdhPayload(t, "nodeA", "p")})

	out := s.Timeout()
	if !out.Terminal || out.Reason != "timeout" {
		t.Fatalf("unexpected timeout outcome: %+v", out)
	}
	if s.State() != TerminalTimeout {
		t.Fatalf("expected TerminalTimeout, got %v", s.State())
	}

	info, err := os.ReadFile(dir.Path() + "/info.nodeA.0")
	if err != nil {
		t.Fatalf("read info: %v", err)
	}
	if !strings.Contains(string(info), "client timed out") {
		t.Fatalf("expected timeout line in info file, got:\n%s", info)
	}
	if _, err := s.pair.Info.WriteString("x"); err == nil {
		t.Fatalf("expected info file to be closed after timeout")
	}
	if _, err := s.pair.Core.Write([]byte("x")); err == nil {
		t.Fatalf("expected core file to be closed after timeout")
	}
}

func TestHandleAfterTerminalIsNoOp(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.Timeout()

	out := s.Handle(time.Unix(5, 0), wire.Datagram{Type: wire.VMCore, Sequence: 9, Offset: 0, Payload: []byte("x")})
	if out.Ack || out.Terminal {
		t.Fatalf("expected no-op outcome after terminal, got %+v", out)
	}
}
