// Package provider implements the HTTP client for the external messaging
// provider: inbound polling, outbound sends, typing indicators, and read
// receipts.
package provider

import (
	"encoding/json"
	"time"
)

// StringOrList accepts a JSON field that may arrive as a string or an array of
// strings; the provider is inconsistent about number fields.
type StringOrList []string

// UnmarshalJSON implements json.Unmarshaler
func (s *StringOrList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StringOrList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = StringOrList(list)
	return nil
}

// First returns the first non-empty entry
func (s StringOrList) First() string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}

// Message is one inbound or outbound provider message
type Message struct {
	MessageHandle string       `json:"message_handle"`
	Content       string       `json:"content"`
	FromNumber    StringOrList `json:"from_number"`
	ToNumber      StringOrList `json:"to_number"`
	IsOutbound    bool         `json:"is_outbound"`
	MediaURL      string       `json:"media_url,omitempty"`
	CreatedAt     string       `json:"created_at,omitempty"`
	DateSent      string       `json:"date_sent,omitempty"`
	DateUpdated   string       `json:"date_updated,omitempty"`
}

// BestTimestamp returns the best-available message timestamp; messages with no
// parseable timestamp sort last.
func (m *Message) BestTimestamp() time.Time {
	for _, raw := range []string{m.CreatedAt, m.DateSent, m.DateUpdated} {
		if raw == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return ts
		}
	}
	return maxTimestamp
}

var maxTimestamp = time.Unix(1<<62-1, 0)

type messagesResponse struct {
	Data []Message `json:"data"`
}

type sendResponse struct {
	MessageHandle string `json:"message_handle"`
	ID            string `json:"id"`
}
