package session

import (
	"os"

	"github.com/pkg/errors"
)

// BufSize is the coalescing buffer's fixed capacity: large enough to
// amortize the cost of a positional write against the ~1456-byte payload of
// a single VMCORE datagram, small enough to bound per-session memory. It is
// a deliberate upper bound, not a growable container; a reorder beyond this
// window forces an extra flush rather than growing the buffer.
const BufSize = 128 * 1024

// ErrWriteFailed marks a flush that could not be durably committed to the
// core file. A session that returns this becomes Terminal-Error. Use
// errors.Is against ErrWriteFailed to classify a flush error returned by
// Coalescer; the concrete cause is still reachable via errors.Unwrap.
var ErrWriteFailed = errors.New("core file write failed")

// flushError wraps the underlying I/O failure while still classifying as
// ErrWriteFailed for errors.Is.
type flushError struct {
	cause error
}

func (e *flushError) Error() string { return "core file write failed: " + e.cause.Error() }
func (e *flushError) Unwrap() error { return e.cause }
func (e *flushError) Is(target error) bool { return target == ErrWriteFailed }

// Coalescer accumulates contiguous core payload in memory and flushes it to
// the core file at capacity or on discontinuity. One Coalescer belongs to
// exactly one session's core file.
type Coalescer struct {
	core      *os.File
	buffer    [BufSize]byte
	bufferLen int
	runOffset uint64

	// FlushCount is incremented on every flush, purely for observability
	// and tests.
	FlushCount int

	// totalFlushed is the cumulative number of bytes this coalescer has
	// durably written, for the stats collector (spec §4.3/C9).
	totalFlushed uint64
}

// NewCoalescer wraps an already-open core file handle.
func NewCoalescer(core *os.File) *Coalescer {
	return &Coalescer{core: core}
}

// Accept buffers payload at the given absolute core-file offset, flushing
// first if the chunk would overflow the buffer or is not contiguous with
// whatever is already buffered.
func (c *Coalescer) Accept(offset uint64, payload []byte) error {
	discontinuous := c.bufferLen > 0 && c.runOffset+uint64(c.bufferLen) != offset
	overflow := c.bufferLen+len(payload) > BufSize
	if discontinuous || overflow {
		if err := c.Flush(); err != nil {
			return err
		}
	}

	if c.bufferLen == 0 {
		c.runOffset = offset
	}

	c.bufferLen += copy(c.buffer[c.bufferLen:], payload)
	return nil
}

// Flush writes the buffered run to the core file at runOffset via a
// positional write and resets the buffer. A short write or I/O error is
// reported as ErrWriteFailed; the caller drives the session to
// Terminal-Error.
func (c *Coalescer) Flush() error {
	if c.bufferLen == 0 {
		return nil
	}

	n, err := c.core.WriteAt(c.buffer[:c.bufferLen], int64(c.runOffset))
	c.FlushCount++
	if err != nil {
		return &flushError{cause: err}
	}
	if n != c.bufferLen {
		return &flushError{cause: errors.Errorf("short write: %d of %d bytes at offset %d", n, c.bufferLen, c.runOffset)}
	}

	c.totalFlushed += uint64(c.bufferLen)
	c.bufferLen = 0
	return nil
}

// TotalFlushed returns the cumulative number of bytes durably written so
// far, for the stats collector.
func (c *Coalescer) TotalFlushed() uint64 {
	return c.totalFlushed
}

// FinishFlush performs the final flush-then-fsync sequence required before
// a FINISHED datagram may be acked and the session committed.
func (c *Coalescer) FinishFlush() error {
	if err := c.Flush(); err != nil {
		return err
	}
	if err := c.core.Sync(); err != nil {
		return &flushError{cause: err}
	}
	return nil
}

// RunOffset exposes the offset of the first byte currently buffered, for
// tests and diagnostics.
func (c *Coalescer) RunOffset() uint64 {
	return c.runOffset
}

// BufferLen exposes the number of bytes currently buffered, for tests and
// diagnostics.
func (c *Coalescer) BufferLen() int {
	return c.bufferLen
}
