package pipemsg

import (
	"encoding/binary"
	"iter"
)

// headerSize is the size of the little-endian length prefix of a frame.
const headerSize = 4

// EncodeFrame serializes env and prefixes it with its 4-byte little-endian length.
// It returns a *SerializationError if the payload is not representable.
func EncodeFrame(env Envelope, s Serializer) ([]byte, error) {
	text, err := s.Marshal(env.wire())
	if err != nil {
		return nil, &SerializationError{Err: err}
	}

	frame := make([]byte, headerSize+len(text))
	binary.LittleEndian.PutUint32(frame, uint32(len(text)))
	copy(frame[headerSize:], text)
	return frame, nil
}

// Decoder reassembles frames from a byte stream.
// It owns an accumulator that grows as bytes are fed and is consumed by
// advancing a read cursor. A Decoder is not safe for concurrent use.
type Decoder struct {
	serializer Serializer
	buf        []byte
	off        int

	// onDrop, if set, observes frames that failed to deserialize.
	onDrop func(text []byte, err error)
}

// NewDecoder returns a Decoder using s to deserialize frame text.
func NewDecoder(s Serializer) *Decoder {
	return &Decoder{serializer: s}
}

// Feed appends p to the accumulator.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 && d.off >= len(d.buf)/2 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet consumed as frames.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Messages returns a sequence of the complete frames currently buffered.
// Iteration stops at the first incomplete frame. Frames whose text cannot
// be deserialized into a message are dropped and decoding continues.
func (d *Decoder) Messages() iter.Seq[Envelope] {
	return func(yield func(Envelope) bool) {
		for d.Buffered() >= headerSize {
			// Compare in uint64: the length may not fit in an int.
			size := binary.LittleEndian.Uint32(d.buf[d.off:])
			if uint64(d.Buffered()) < headerSize+uint64(size) {
				return
			}
			length := int(size)

			start := d.off + headerSize
			text := d.buf[start : start+length]
			d.off = start + length

			var m Message
			if err := d.serializer.Unmarshal(text, &m); err != nil || m == nil {
				if d.onDrop != nil {
					d.onDrop(text, err)
				}
				continue
			}

			if !yield(envelopeOf(m)) {
				return
			}
		}

		if d.off == len(d.buf) {
			d.buf = d.buf[:0]
			d.off = 0
		}
	}
}

// Decode decodes every complete frame in buf and returns the decoded
// envelopes together with the unconsumed remainder.
func Decode(buf []byte, s Serializer) ([]Envelope, []byte) {
	d := NewDecoder(s)
	d.Feed(buf)

	var out []Envelope
	for env := range d.Messages() {
		out = append(out, env)
	}
	return out, d.buf[d.off:]
}
