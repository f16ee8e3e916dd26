package mediator

import (
	"encoding/json"

	"github.com/mind-ai/mind/internal/orchestrator/errdefs"
)

// UnmarshalJSON validates the wire form of a chat turn: role and content are
// required strings, everything else passes through untouched.
func (m *Message) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return errdefs.Validation("messages", "message entries must be objects")
	}

	if raw, ok := fields["role"]; ok {
		if err := json.Unmarshal(raw, &m.Role); err != nil {
			return errdefs.Validation("messages", "message role must be a string")
		}
		delete(fields, "role")
	}
	if raw, ok := fields["content"]; ok {
		if err := json.Unmarshal(raw, &m.Content); err != nil {
			return errdefs.Validation("messages", "message content must be a string")
		}
		delete(fields, "content")
	}
	m.Extra = fields
	return nil
}

// MarshalJSON reassembles a chat turn, preserving passthrough fields.
func (m Message) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(m.Extra)+2)
	for k, v := range m.Extra {
		fields[k] = v
	}
	role, err := json.Marshal(m.Role)
	if err != nil {
		return nil, err
	}
	content, err := json.Marshal(m.Content)
	if err != nil {
		return nil, err
	}
	fields["role"] = role
	fields["content"] = content
	return json.Marshal(fields)
}
