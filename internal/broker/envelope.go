package broker

import "encoding/json"

// Envelope is the broker wire format. Payload carries the event's own
// versioned JSON body untouched.
type Envelope struct {
	Version string          `json:"version"`
	Kind    string          `json:"kind"`
	Account string          `json:"account_id"`
	Height  int64           `json:"height"`
	Payload json.RawMessage `json:"payload"`
}

