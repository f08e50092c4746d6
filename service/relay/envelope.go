package relay

import (
	"encoding/json"
	"fmt"

	"github.com/safing/structures/dsd"
)

// Kind is the kind of an envelope.
type Kind uint8

// Envelope kinds.
const (
	KindCall Kind = iota + 1
	KindReply
	KindNotify
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindReply:
		return "reply"
	case KindNotify:
		return "notify"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Envelope is one framed message on a relay connection.
// Calls and their replies share the ID, which is unique per connection and
// direction.
type Envelope struct {
	Kind   Kind            `json:"kind"`
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func newEnvelope(kind Kind, id uint64, method string, payload any) (*Envelope, error) {
	e := &Envelope{
		Kind:   kind,
		ID:     id,
		Method: method,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", method, err)
		}
		e.Data = data
	}
	return e, nil
}

func (e *Envelope) marshal() ([]byte, error) {
	return dsd.Dump(e, dsd.JSON)
}

func parseEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	if _, err := dsd.Load(data, e); err != nil {
		return nil, err
	}
	switch e.Kind {
	case KindCall, KindReply, KindNotify:
	default:
		return nil, fmt.Errorf("invalid envelope kind %s", e.Kind)
	}
	return e, nil
}

// decode parses the envelope payload into v.
func (e *Envelope) decode(v any) error {
	if v == nil || len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}
