package identity

import "encoding/binary"

// Tag identifies the request type a payload was built for, so a signature
// over one request type never verifies as another.
type Tag byte

const (
	TagRegisterCertificate Tag = 0x01
	TagRegisterContract    Tag = 0x02
	TagExecute             Tag = 0x03
	TagValidate            Tag = 0x04
	TagAbort               Tag = 0x05
)

// Payload accumulates the signed fields of a request in a fixed order.
// Strings and byte slices are written with a 4-byte big-endian length
// prefix, integers as 8-byte big-endian.
type Payload struct {
	buf []byte
}

// NewPayload starts a payload for the given request type.
func NewPayload(tag Tag) *Payload {
	return &Payload{buf: []byte{byte(tag)}}
}

func (p *Payload) String(s string) *Payload {
	p.buf = binary.BigEndian.AppendUint32(p.buf, uint32(len(s)))
	p.buf = append(p.buf, s...)
	return p
}

func (p *Payload) Bytes(b []byte) *Payload {
	p.buf = binary.BigEndian.AppendUint32(p.buf, uint32(len(b)))
	p.buf = append(p.buf, b...)
	return p
}

func (p *Payload) Uint64(n uint64) *Payload {
	p.buf = binary.BigEndian.AppendUint64(p.buf, n)
	return p
}

func (p *Payload) Bool(b bool) *Payload {
	if b {
		p.buf = append(p.buf, 1)
	} else {
		p.buf = append(p.buf, 0)
	}
	return p
}

// Build returns the encoded payload.
func (p *Payload) Build() []byte {
	out := make([]byte, len(p.buf))
	copy(out, p.buf)
	return out
}
