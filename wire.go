package main

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"
)

const (
	maxUDPSize   = 512 // conventional ceiling for DNS over UDP without EDNS
	maxTXTString = 255 // one-byte length prefix per character-string
	headerSize   = 12

	typeTXT = 16
	classIN = 1

	flagQR = 0x8000
	flagAA = 0x0400
	flagTC = 0x0200
	flagRD = 0x0100
)

var errMalformedPacket = errors.New("malformed dns packet")

// query is one incoming question, immutable after decode. rawQuestion
// holds the wire bytes of the question section so the response can echo
// name, type and class verbatim - resolvers match on them.
type query struct {
	id          uint16
	rd          bool
	labels      []string
	rawQuestion []byte
	qtype       uint16
	qclass      uint16
}

// decodeQuery parses the fixed 12-byte header and the first question
// entry. Anything that fails to parse as a minimal valid query gets
// errMalformedPacket and the caller discards the datagram without a
// reply.
func decodeQuery(data []byte) (*query, error) {
	if len(data) < headerSize {
		return nil, errMalformedPacket
	}

	flags := binary.BigEndian.Uint16(data[2:4])
	if flags&flagQR != 0 {
		return nil, errMalformedPacket // a response, not a query
	}
	if binary.BigEndian.Uint16(data[4:6]) == 0 {
		return nil, errMalformedPacket // no question section
	}

	q := &query{
		id: binary.BigEndian.Uint16(data[0:2]),
		rd: flags&flagRD != 0,
	}

	pos := headerSize
	total := 0
	for {
		if pos >= len(data) {
			return nil, errMalformedPacket
		}
		length := int(data[pos])
		if length == 0 {
			pos++
			break
		}
		// Labels are at most 63 bytes; the two high bits mark a
		// compression pointer, which is never valid in the first
		// name of a query.
		if length&0xC0 != 0 {
			return nil, errMalformedPacket
		}
		pos++
		if pos+length > len(data) {
			return nil, errMalformedPacket
		}
		total += length + 1
		if total > 255 {
			return nil, errMalformedPacket
		}
		q.labels = append(q.labels, string(data[pos:pos+length]))
		pos += length
	}

	if pos+4 > len(data) {
		return nil, errMalformedPacket
	}
	q.qtype = binary.BigEndian.Uint16(data[pos:])
	q.qclass = binary.BigEndian.Uint16(data[pos+2:])
	q.rawQuestion = append([]byte(nil), data[headerSize:pos+4]...)

	return q, nil
}

// encodeResponse serializes a NOERROR reply to q carrying one TXT record
// per fragment. Each record names the question via a compression pointer.
// The output never exceeds maxUDPSize: records that would push past the
// ceiling are dropped whole and the TC bit is set instead, so a resolver
// never sees a record whose declared length disagrees with its bytes.
// A nil fragment list produces a well-formed zero-answer reply.
func encodeResponse(q *query, fragments [][]byte, ttl uint32) []byte {
	flags := uint16(flagQR | flagAA)
	if q.rd {
		flags |= flagRD
	}

	resp := make([]byte, headerSize, headerSize+len(q.rawQuestion))
	binary.BigEndian.PutUint16(resp[0:2], q.id)
	binary.BigEndian.PutUint16(resp[2:4], flags)
	binary.BigEndian.PutUint16(resp[4:6], 1)
	resp = append(resp, q.rawQuestion...)

	var answers uint16
	truncated := false
	for _, frag := range fragments {
		rr := make([]byte, 0, 13+len(frag))
		rr = append(rr, 0xC0, headerSize) // pointer to the question name
		rr = binary.BigEndian.AppendUint16(rr, typeTXT)
		rr = binary.BigEndian.AppendUint16(rr, classIN)
		rr = binary.BigEndian.AppendUint32(rr, ttl)
		rr = binary.BigEndian.AppendUint16(rr, uint16(1+len(frag)))
		rr = append(rr, byte(len(frag)))
		rr = append(rr, frag...)

		if len(resp)+len(rr) > maxUDPSize {
			truncated = true
			break
		}
		resp = append(resp, rr...)
		answers++
	}

	binary.BigEndian.PutUint16(resp[6:8], answers)
	if truncated {
		binary.BigEndian.PutUint16(resp[2:4], flags|flagTC)
	}

	return resp
}

// splitTXT cuts text into TXT character-strings of at most maxTXTString
// bytes each, seeking back so a multi-byte rune is never split. An answer
// always carries at least one string, so empty text yields one empty
// fragment.
func splitTXT(text string) [][]byte {
	if text == "" {
		return [][]byte{{}}
	}

	var out [][]byte
	for len(text) > 0 {
		n := len(text)
		if n > maxTXTString {
			n = maxTXTString
			for n > 0 && !utf8.RuneStart(text[n]) {
				n--
			}
			if n == 0 {
				n = maxTXTString // not valid UTF-8, cut hard
			}
		}
		out = append(out, []byte(text[:n]))
		text = text[n:]
	}
	return out
}
