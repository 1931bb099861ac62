package broker

import "encoding/json"

// Envelope is the logical message payload carried through every adapter.
// The gateway treats Data as opaque structured content; adapters encode the
// whole envelope to whatever wire format their backend requires.
type Envelope struct {
	Type    string          `json:"type"`
	Version int             `json:"version"`
	ID      string          `json:"id,omitempty"`
	TS      string          `json:"ts,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// New constructs an Envelope.
func New(msgType string, version int, id string, ts string, data json.RawMessage) Envelope {
	return Envelope{
		Type:    msgType,
		Version: version,
		ID:      id,
		TS:      ts,
		Data:    data,
	}
}

// Open decodes an Envelope from its JSON wire form.
func Open(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode returns the JSON wire form of the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Equal reports whether two envelopes carry the same message by value.
// Used by adapters that locate messages by payload rather than by handle.
func (e Envelope) Equal(other Envelope) bool {
	if e.Type != other.Type || e.Version != other.Version || e.ID != other.ID || e.TS != other.TS {
		return false
	}
	var a, b any
	if err := json.Unmarshal(normalizeRaw(e.Data), &a); err != nil {
		return string(e.Data) == string(other.Data)
	}
	if err := json.Unmarshal(normalizeRaw(other.Data), &b); err != nil {
		return false
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ab) == string(bb)
}

func normalizeRaw(r json.RawMessage) []byte {
	if len(r) == 0 {
		return []byte("null")
	}
	return r
}
