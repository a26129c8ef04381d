// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"encoding/binary"
	"strings"
)

// dnsHeaderSize is the size of the fixed DNS message header.
const dnsHeaderSize = 12

// dnsAnswerSize is the size of the A record appended to a matching reply.
const dnsAnswerSize = 16

// dnsHeader is the decoded fixed header of a DNS message.
//
// The flags occupy bytes 2 and 3 of the header:
//
//	QR:1 Opcode:4 AA:1 TC:1 RD:1 | RA:1 Z:3 RCode:4
type dnsHeader struct {
	ID      uint16
	QR      bool
	Opcode  uint8
	AA      bool
	TC      bool
	RD      bool
	RA      bool
	Z       uint8
	RCode   uint8
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

// decodeDNSHeader decodes the header at the start of msg, returning
// false when msg is too short.
func decodeDNSHeader(msg []byte) (dnsHeader, bool) {
	if len(msg) < dnsHeaderSize {
		return dnsHeader{}, false
	}
	flags0, flags1 := msg[2], msg[3]
	return dnsHeader{
		ID:      binary.BigEndian.Uint16(msg[0:]),
		QR:      flags0&0x80 != 0,
		Opcode:  (flags0 >> 3) & 0x0F,
		AA:      flags0&0x04 != 0,
		TC:      flags0&0x02 != 0,
		RD:      flags0&0x01 != 0,
		RA:      flags1&0x80 != 0,
		Z:       (flags1 >> 4) & 0x07,
		RCode:   flags1 & 0x0F,
		QDCount: binary.BigEndian.Uint16(msg[4:]),
		ANCount: binary.BigEndian.Uint16(msg[6:]),
		NSCount: binary.BigEndian.Uint16(msg[8:]),
		ARCount: binary.BigEndian.Uint16(msg[10:]),
	}, true
}

// encode writes the header into the first 12 bytes of msg.
func (h dnsHeader) encode(msg []byte) {
	_ = msg[dnsHeaderSize-1]
	var flags0, flags1 byte
	if h.QR {
		flags0 |= 0x80
	}
	flags0 |= (h.Opcode & 0x0F) << 3
	if h.AA {
		flags0 |= 0x04
	}
	if h.TC {
		flags0 |= 0x02
	}
	if h.RD {
		flags0 |= 0x01
	}
	if h.RA {
		flags1 |= 0x80
	}
	flags1 |= (h.Z & 0x07) << 4
	flags1 |= h.RCode & 0x0F
	binary.BigEndian.PutUint16(msg[0:], h.ID)
	msg[2], msg[3] = flags0, flags1
	binary.BigEndian.PutUint16(msg[4:], h.QDCount)
	binary.BigEndian.PutUint16(msg[6:], h.ANCount)
	binary.BigEndian.PutUint16(msg[8:], h.NSCount)
	binary.BigEndian.PutUint16(msg[10:], h.ARCount)
}

// parseDNSQuestion walks the first question of msg and returns the dotted
// name and the offset just past QTYPE and QCLASS.
//
// Returns false when a label runs past the end of msg, when the question
// uses a compression pointer, or when QTYPE and QCLASS are truncated.
func parseDNSQuestion(msg []byte) (string, int, bool) {
	var labels []string
	off := dnsHeaderSize
	for {
		if off >= len(msg) {
			return "", 0, false
		}
		size := int(msg[off])
		off++
		if size == 0 {
			break
		}
		if size&0xC0 != 0 {
			return "", 0, false
		}
		if off+size > len(msg) {
			return "", 0, false
		}
		labels = append(labels, string(msg[off:off+size]))
		off += size
	}
	off += 4
	if off > len(msg) {
		return "", 0, false
	}
	return strings.Join(labels, "."), off, true
}

// dnsNormalizeDomain lowercases name and strips a leading "www." label.
func dnsNormalizeDomain(name string) string {
	name = strings.ToLower(name)
	return strings.TrimPrefix(name, "www.")
}
