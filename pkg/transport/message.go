package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// MessageType is the "type" field of a JSON control frame.
type MessageType string

const (
	TypeConfig   MessageType = "config"
	TypePing     MessageType = "ping"
	TypePong     MessageType = "pong"
	TypePartial  MessageType = "partial"
	TypeRaw      MessageType = "raw"
	TypePolished MessageType = "polished"
	TypeError    MessageType = "error"
)

// Config is the control frame sent once after the connection opens and the
// pre-connect buffer has been flushed.
type Config struct {
	MeetingID     string `json:"meeting_id"`
	SourceLang    string `json:"source_lang"`
	TargetLang    string `json:"target_lang"`
	Mode          string `json:"mode"`
	InitialPrompt string `json:"initial_prompt"`
}

// MarshalJSON adds the "type": "config" discriminator.
func (c Config) MarshalJSON() ([]byte, error) {
	type plain Config
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		plain
	}{TypeConfig, plain(c)})
}

// control is a bare {"type": ...} frame (ping / pong).
type control struct {
	Type MessageType `json:"type"`
}

// SegmentID is a segment identifier. The backend may encode ids as JSON
// strings or numbers; both decode to the same textual form.
type SegmentID string

// UnmarshalJSON accepts a JSON string, number, or null.
func (id *SegmentID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = SegmentID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("segment id: %w", err)
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		*id = SegmentID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = SegmentID(n.String())
	return nil
}

// Message is an inbound frame from the backend.
type Message struct {
	Type       MessageType `json:"type"`
	ID         SegmentID   `json:"id,omitempty"`
	Content    string      `json:"content,omitempty"`
	Translated string      `json:"translated,omitempty"`
}

// parseMessage decodes an inbound text frame. It returns false for frames
// that are not JSON objects or carry no type.
func parseMessage(data []byte) (Message, bool) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, false
	}
	if m.Type == "" {
		return Message{}, false
	}
	return m, true
}
