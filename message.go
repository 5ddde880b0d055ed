package pipemsg

import (
	"encoding/json"
	"math"
)

// CorrelationKey is the reserved message key that carries the correlation id
// on the wire. It never reaches application handlers.
const CorrelationKey = "correlationId"

// maxCorrelationID is the largest correlation id; ids wrap back to 1 after it.
const maxCorrelationID = math.MaxUint16

// Message is an application message: a JSON object.
type Message map[string]any

// Envelope is a message as it crosses the framing boundary.
// A zero CorrelationID means the message is not correlated.
type Envelope struct {
	CorrelationID uint16
	Payload       Message
}

// Serializer is the interface for turning messages into text and back.
// The default implementation is JSONSerializer.
type Serializer interface {
	// Marshal serializes v. It fails if v is not representable.
	Marshal(v any) ([]byte, error)
	// Unmarshal deserializes data into v.
	Unmarshal(data []byte, v any) error
}

// JSONSerializer serializes messages with encoding/json.
type JSONSerializer struct{}

// Marshal implements Serializer.
func (JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements Serializer.
func (JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// wire returns the object written to the wire for env.
func (env Envelope) wire() Message {
	_, reserved := env.Payload[CorrelationKey]
	if env.CorrelationID == 0 && !reserved && env.Payload != nil {
		return env.Payload
	}

	out := make(Message, len(env.Payload)+1)
	for k, v := range env.Payload {
		out[k] = v
	}
	delete(out, CorrelationKey)
	if env.CorrelationID != 0 {
		out[CorrelationKey] = env.CorrelationID
	}
	return out
}

// envelopeOf strips the reserved key from m and returns the resulting envelope.
// Values that are not integers in [1, 65535] leave the envelope uncorrelated.
func envelopeOf(m Message) Envelope {
	raw, ok := m[CorrelationKey]
	if !ok {
		return Envelope{Payload: m}
	}
	delete(m, CorrelationKey)

	env := Envelope{Payload: m}
	switch v := raw.(type) {
	case float64:
		if v >= 1 && v <= maxCorrelationID && v == math.Trunc(v) {
			env.CorrelationID = uint16(v)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n >= 1 && n <= maxCorrelationID {
			env.CorrelationID = uint16(n)
		}
	}
	return env
}
