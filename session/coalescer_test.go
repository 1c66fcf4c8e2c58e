package session

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func openTempCore(t *testing.T) *os.File {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "vmcore"), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("open temp core: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestCoalescerSequentialWritesOneFlush(t *testing.T) {
	core := openTempCore(t)
	c := NewCoalescer(core)

	a := bytes.Repeat([]byte{0xAA}, 1456)
	b := bytes.Repeat([]byte{0xBB}, 1456)
	cc := bytes.Repeat([]byte{0xCC}, 1184)

	for _, chunk := range []struct {
		offset uint64
		data   []byte
	}{
		{0, a}, {1456, b}, {2912, cc},
	} {
		if err := c.Accept(chunk.offset, chunk.data); err != nil {
			t.Fatalf("Accept(%d): %v", chunk.offset, err)
		}
	}
	if err := c.FinishFlush(); err != nil {
		t.Fatalf("FinishFlush: %v", err)
	}
	if c.FlushCount != 1 {
		t.Fatalf("expected exactly one flush for a fully sequential run, got %d", c.FlushCount)
	}

	got := readAll(t, core)
	want := append(append(append([]byte{}, a...), b...), cc...)
	if !bytes.Equal(got, want) {
		t.Fatalf("core contents mismatch")
	}
}

func TestCoalescerDiscontinuityForcesFlush(t *testing.T) {
	core := openTempCore(t)
	c := NewCoalescer(core)

	a := bytes.Repeat([]byte{'A'}, 1456)
	cPayload := bytes.Repeat([]byte{'C'}, 1456)
	b := bytes.Repeat([]byte{'B'}, 1456)

	mustAccept(t, c, 0, a)
	mustAccept(t, c, 2912, cPayload) // discontinuous: forces a flush of `a`
	mustAccept(t, c, 1456, b)        // discontinuous again: forces a flush of `cPayload`
	if err := c.FinishFlush(); err != nil {
		t.Fatalf("FinishFlush: %v", err)
	}

	if c.FlushCount < 2 {
		t.Fatalf("expected at least two flushes, got %d", c.FlushCount)
	}

	got := readAll(t, core)
	want := append(append(append([]byte{}, a...), b...), cPayload...)
	if !bytes.Equal(got, want) {
		t.Fatalf("core contents mismatch after reordered writes")
	}
}

func TestCoalescerOverflowForcesFlush(t *testing.T) {
	core := openTempCore(t)
	c := NewCoalescer(core)

	first := bytes.Repeat([]byte{1}, BufSize-10)
	mustAccept(t, c, 0, first)
	if c.FlushCount != 0 {
		t.Fatalf("unexpected flush before overflow")
	}

	second := bytes.Repeat([]byte{2}, 20) // would overflow the buffer
	mustAccept(t, c, uint64(len(first)), second)
	if c.FlushCount != 1 {
		t.Fatalf("expected overflow to force exactly one flush, got %d", c.FlushCount)
	}
}

func TestCoalescerWriteFailureClassifies(t *testing.T) {
	core := openTempCore(t)
	core.Close() // force WriteAt to fail

	c := NewCoalescer(core)
	err := c.Accept(0, []byte("x"))
	if err != nil {
		t.Fatalf("Accept should only fail on flush, got: %v", err)
	}
	err = c.Flush()
	if err == nil {
		t.Fatalf("expected flush error on a closed file")
	}
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected errors.Is(err, ErrWriteFailed), got %v", err)
	}
}

func mustAccept(t *testing.T, c *Coalescer, offset uint64, data []byte) {
	t.Helper()
	if err := c.Accept(offset, data); err != nil {
		t.Fatalf("Accept(%d): %v", offset, err)
	}
}

func readAll(t *testing.T, f *os.File) []byte {
	t.Helper()
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatalf("seek: %v", err)
	}
	b, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return b
}
