package pipeline

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// taskEnvelope is the wire shape of an inbound task message. ID is kept raw
// so a non-string id can be rejected rather than coerced.
type taskEnvelope struct {
	ID       json.RawMessage `json:"id"`
	URL      string          `json:"url"`
	Priority *int            `json:"priority"`
}

// Decoder turns raw broker messages into immutable Tasks. Decoding performs
// no network I/O.
type Decoder struct {
	hasher Hasher
}

// NewDecoder builds a Decoder that synthesizes absent ids with hasher.
func NewDecoder(hasher Hasher) *Decoder {
	return &Decoder{hasher: hasher}
}

// Decode validates and normalizes one message. Malformed JSON yields a
// *DecodeError; a missing or relative url, or a non-string id, yields a
// *ValidationError. An absent id is derived from the message's offset token
// so redelivery of the same physical message produces the same Task id.
func (d *Decoder) Decode(msg Message) (Task, error) {
	var env taskEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return Task{}, &DecodeError{Err: err}
	}

	var id string
	if len(env.ID) > 0 && string(env.ID) != "null" {
		if err := json.Unmarshal(env.ID, &id); err != nil {
			return Task{}, &ValidationError{Field: "id", Msg: "must be a string"}
		}
	}

	if env.URL == "" {
		return Task{}, &ValidationError{Field: "url", Msg: "is required"}
	}
	parsed, err := url.Parse(env.URL)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return Task{}, &ValidationError{Field: "url", Msg: "must be absolute"}
	}

	if id == "" {
		id = d.syntheticID(msg.Offset)
	}

	task := Task{
		ID:     id,
		URL:    env.URL,
		Offset: msg.Offset,
	}
	if env.Priority != nil {
		task.Priority = *env.Priority
	}
	return task, nil
}

func (d *Decoder) syntheticID(off OffsetToken) string {
	key := fmt.Sprintf("%s/%d/%d", off.Topic, off.Partition, off.Offset)
	digest, err := d.hasher.Hash([]byte(key))
	if err != nil {
		return key
	}
	return digest
}
