// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package wire implements the netdump wire codec: parsing and validating the
// fixed-layout UDP datagrams a panicking kernel sends, and encoding the ack
// frames sent back.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Datagram types, matching the values the kernel producer uses on the wire.
const (
	Herald   uint32 = 1
	KDH      uint32 = 2
	VMCore   uint32 = 3
	Finished uint32 = 4
)

// MaxPayload is NETDUMP_DATASIZE: the payload size a standard-MTU datagram
// can carry.
const MaxPayload = 1456

// headerSize is the wire size of the fixed header: type, sequence, length
// (all u32) followed by offset (u64), all big-endian.
const headerSize = 4 + 4 + 4 + 8

// Sentinel parse errors. Every malformed datagram maps to exactly one of
// these; the caller logs and drops, it never aborts a session.
var (
	ErrRunt           = errors.New("datagram shorter than header")
	ErrLengthMismatch = errors.New("declared length does not match payload size")
	ErrUnknownType    = errors.New("unrecognized datagram type")
)

// Datagram is a parsed, host-byte-order netdump datagram.
type Datagram struct {
	Type     uint32
	Sequence uint32
	Offset   uint64
	Payload  []byte
}

// Parse validates and decodes a raw UDP payload into a Datagram.
//
// Invariant enforced here: len(b) - headerSize == header.length, else the
// datagram is rejected before any field is used by a caller.
func Parse(b []byte) (Datagram, error) {
	if len(b) < headerSize {
		return Datagram{}, ErrRunt
	}

	typ := binary.BigEndian.Uint32(b[0:4])
	seq := binary.BigEndian.Uint32(b[4:8])
	length := binary.BigEndian.Uint32(b[8:12])
	offset := binary.BigEndian.Uint64(b[12:20])

	if uint32(len(b)-headerSize) != length {
		return Datagram{}, ErrLengthMismatch
	}

	switch typ {
	case Herald, KDH, VMCore, Finished:
	default:
		return Datagram{}, ErrUnknownType
	}

	return Datagram{
		Type:     typ,
		Sequence: seq,
		Offset:   offset,
		Payload:  b[headerSize:],
	}, nil
}

// EncodeAck produces the 4-byte big-endian sequence-number ack frame sent on
// the session's connected socket.
func EncodeAck(sequence uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, sequence)
	return buf
}
