// Package notify implements the notification pipeline: normalization and
// dedupe of incoming payloads, the queued decision-turn flow, and retention
// pruning.
package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	maxSummaryLen      = 220
	minRawExcerptBytes = 256
	maxRawExcerptBytes = 32768
)

// Normalized is the canonical form of an ingested payload
type Normalized struct {
	Source        string
	SourceAccount string
	SourceEventID string
	DedupeKey     string
	Summary       string
	PayloadHash   string
	RawExcerpt    string
	RawSizeBytes  int64
	RawTruncated  bool
}

// Normalize canonicalizes a payload and derives its dedupe key, summary, hash,
// and raw excerpt. sourceAccount and sourceEventID may be empty; payload fields
// are consulted as fallbacks.
func Normalize(payload interface{}, source, sourceAccount, sourceEventID string, rawExcerptBytes int) Normalized {
	canonical := canonicalize(payload)

	hash := sha256.Sum256([]byte(canonical))
	payloadHash := hex.EncodeToString(hash[:])

	fields := payloadFields(payload)

	eventID := firstNonEmpty(sourceEventID,
		fields["event_id"], fields["eventId"], fields["id"], fields["message_handle"])
	account := firstNonEmpty(sourceAccount,
		fields["source_account"], fields["sourceAccount"], fields["account"],
		fields["account_id"], fields["accountId"])

	accountPart := account
	if accountPart == "" {
		accountPart = "-"
	}
	var dedupeKey string
	if eventID != "" {
		dedupeKey = fmt.Sprintf("event:%s:%s:%s", source, accountPart, eventID)
	} else {
		dedupeKey = fmt.Sprintf("hash:%s:%s:%s", source, accountPart, payloadHash)
	}

	n := rawExcerptBytes
	if n < minRawExcerptBytes {
		n = minRawExcerptBytes
	}
	if n > maxRawExcerptBytes {
		n = maxRawExcerptBytes
	}
	excerpt := canonical
	truncated := false
	if len(excerpt) > n {
		excerpt = excerpt[:n]
		truncated = true
	}

	return Normalized{
		Source:        source,
		SourceAccount: account,
		SourceEventID: eventID,
		DedupeKey:     dedupeKey,
		Summary:       summarize(payload),
		PayloadHash:   payloadHash,
		RawExcerpt:    excerpt,
		RawSizeBytes:  int64(len(canonical)),
		RawTruncated:  truncated,
	}
}

// canonicalize renders the payload as UTF-8 JSON for objects and arrays, or a
// plain string rendering otherwise
func canonicalize(payload interface{}) string {
	switch v := payload.(type) {
	case nil:
		return "null"
	case string:
		return v
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// payloadFields flattens top-level scalar fields to strings for id/account
// derivation
func payloadFields(payload interface{}) map[string]string {
	fields := map[string]string{}
	obj, ok := payload.(map[string]interface{})
	if !ok {
		return fields
	}
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case float64:
			fields[k] = strings.TrimSuffix(fmt.Sprintf("%f", val), ".000000")
		case bool:
			fields[k] = fmt.Sprintf("%t", val)
		}
	}
	return fields
}

var summaryFields = []string{"summary", "message", "text", "title", "event", "type", "kind"}

// summarize produces a human line of at most 220 chars
func summarize(payload interface{}) string {
	switch v := payload.(type) {
	case map[string]interface{}:
		for _, field := range summaryFields {
			if s, ok := v[field].(string); ok && strings.TrimSpace(s) != "" {
				return clampSummary(strings.TrimSpace(s))
			}
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return clampSummary("payload with keys: " + strings.Join(keys, ", "))
	case []interface{}:
		return fmt.Sprintf("array payload with %d entries", len(v))
	case string:
		if strings.TrimSpace(v) != "" {
			return clampSummary(strings.TrimSpace(v))
		}
		return "empty payload"
	case nil:
		return "empty payload"
	default:
		return clampSummary(fmt.Sprintf("%v", v))
	}
}

func clampSummary(s string) string {
	runes := []rune(s)
	if len(runes) <= maxSummaryLen {
		return s
	}
	return string(runes[:maxSummaryLen])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
