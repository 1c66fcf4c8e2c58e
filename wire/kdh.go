package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Fixed field widths for the Kernel Dump Header, in bytes. The source ties
// these to a C struct; here each string field is a fixed-width byte array
// that must be forcibly null-terminated before any use.
const (
	archSize    = 32
	hostSize    = 64
	versionSize = 256
	panicSize   = 256
)

// kdhSize is the wire size of a KDH payload.
const kdhSize = archSize + 4 + 8 + 4 + 8 + hostSize + versionSize + panicSize + 4

// KernelDumpHeader is the fixed struct carried in the first non-herald
// datagram of a run.
type KernelDumpHeader struct {
	Architecture    string
	ArchVersion     uint32
	DumpLength      uint64
	BlockSize       uint32
	DumpTimestamp   time.Time
	Hostname        string
	OSVersion       string
	PanicString     string
	Parity          uint32
	ParityOK        bool
}

// ParseKDH decodes a KDH payload. A payload shorter than kdhSize bytes is
// rejected with an error; bytes beyond kdhSize are ignored.
func ParseKDH(payload []byte) (KernelDumpHeader, error) {
	if len(payload) < kdhSize {
		return KernelDumpHeader{}, errors.Errorf("kdh payload too short: %d < %d", len(payload), kdhSize)
	}

	r := bytes.NewReader(payload)
	var raw struct {
		Arch      [archSize]byte
		ArchVer   uint32
		DumpLen   uint64
		BlockSize uint32
		Timestamp uint64
		Host      [hostSize]byte
		OSVersion [versionSize]byte
		Panic     [panicSize]byte
		Parity    uint32
	}
	if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
		return KernelDumpHeader{}, errors.Wrap(err, "decode kdh")
	}

	h := KernelDumpHeader{
		Architecture:  nullTerminated(raw.Arch[:]),
		ArchVersion:   raw.ArchVer,
		DumpLength:    raw.DumpLen,
		BlockSize:     raw.BlockSize,
		DumpTimestamp: time.Unix(int64(raw.Timestamp), 0).UTC(),
		Hostname:      nullTerminated(raw.Host[:]),
		OSVersion:     nullTerminated(raw.OSVersion[:]),
		PanicString:   nullTerminated(raw.Panic[:]),
		Parity:        raw.Parity,
	}

	// Parity is advisory: computed the same way the sender is expected to,
	// and logged, but a mismatch never aborts the session.
	h.ParityOK = kerneldumpParity(payload[:kdhSize-4]) == raw.Parity
	return h, nil
}

// nullTerminated forces a trailing NUL onto a fixed-width field before
// turning it into a Go string, so a datagram that omits the terminator can
// never cause an over-read.
func nullTerminated(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	// No terminator found anywhere in the declared width: treat the whole
	// field as the string rather than reading past it.
	return string(b)
}

// kerneldumpParity computes the advisory parity word the same way the
// kernel producer does: a simple running XOR-fold of the header bytes that
// precede the parity field.
func kerneldumpParity(b []byte) uint32 {
	var p uint32
	for i := 0; i+4 <= len(b); i += 4 {
		p ^= binary.BigEndian.Uint32(b[i : i+4])
	}
	return p
}

// Summary renders the one-line-per-field info-file block written when a
// KDH is accepted. Re-parsing a retransmitted KDH is idempotent in the
// sense that it simply appends another copy of this block; the source does
// not dedupe and neither does this.
func (h KernelDumpHeader) Summary() string {
	parity := "OK"
	if !h.ParityOK {
		parity = "Fail"
	}
	return fmt.Sprintf(
		"Architecture: %s\nArchitecture Version: %d\nDump Length: %d\nBlock Size: %d\nDump Time: %s\nHostname: %s\nVersion String: %s\nPanic String: %s\nParity: %s\n",
		h.Architecture, h.ArchVersion, h.DumpLength, h.BlockSize,
		h.DumpTimestamp.Format(time.RFC3339), h.Hostname, h.OSVersion, h.PanicString, parity,
	)
}
