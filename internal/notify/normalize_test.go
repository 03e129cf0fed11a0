package notify

import (
	"strings"
	"testing"
)

func TestNormalizeEventKey(t *testing.T) {
	payload := map[string]interface{}{"event_id": "evt_1", "summary": "build failed"}
	n := Normalize(payload, "webhook", "", "", 2048)

	if n.DedupeKey != "event:webhook:-:evt_1" {
		t.Errorf("dedupe key = %q", n.DedupeKey)
	}
	if n.Summary != "build failed" {
		t.Errorf("summary = %q", n.Summary)
	}
	if n.SourceEventID != "evt_1" {
		t.Errorf("event id = %q", n.SourceEventID)
	}
	if len(n.PayloadHash) != 64 {
		t.Errorf("payload hash length = %d, want 64 hex chars", len(n.PayloadHash))
	}
}

func TestNormalizeHashKeyIsStable(t *testing.T) {
	payload := map[string]interface{}{"summary": "no id here"}

	a := Normalize(payload, "webhook", "", "", 2048)
	b := Normalize(payload, "webhook", "", "", 2048)

	if !strings.HasPrefix(a.DedupeKey, "hash:webhook:-:") {
		t.Errorf("dedupe key = %q, want hash form", a.DedupeKey)
	}
	if a.DedupeKey != b.DedupeKey {
		t.Errorf("same payload produced different keys: %q vs %q", a.DedupeKey, b.DedupeKey)
	}
}

func TestNormalizeAccountPrecedence(t *testing.T) {
	payload := map[string]interface{}{"account": "acct_payload", "id": "evt_2"}

	// Explicit caller value wins over payload fields
	n := Normalize(payload, "webhook", "acct_header", "", 2048)
	if n.SourceAccount != "acct_header" {
		t.Errorf("account = %q, want acct_header", n.SourceAccount)
	}
	if n.DedupeKey != "event:webhook:acct_header:evt_2" {
		t.Errorf("dedupe key = %q", n.DedupeKey)
	}

	n = Normalize(payload, "webhook", "", "", 2048)
	if n.SourceAccount != "acct_payload" {
		t.Errorf("account = %q, want payload fallback", n.SourceAccount)
	}
}

func TestNormalizeSummaryFallbacks(t *testing.T) {
	n := Normalize(map[string]interface{}{"foo": 1.0, "bar": true}, "webhook", "", "", 2048)
	if !strings.Contains(n.Summary, "bar") || !strings.Contains(n.Summary, "foo") {
		t.Errorf("key-listing summary = %q", n.Summary)
	}

	n = Normalize([]interface{}{1.0, 2.0, 3.0}, "webhook", "", "", 2048)
	if n.Summary != "array payload with 3 entries" {
		t.Errorf("array summary = %q", n.Summary)
	}

	long := strings.Repeat("x", 500)
	n = Normalize(map[string]interface{}{"message": long}, "webhook", "", "", 2048)
	if len([]rune(n.Summary)) != 220 {
		t.Errorf("summary length = %d, want 220", len([]rune(n.Summary)))
	}
}

func TestNormalizeExcerptClamp(t *testing.T) {
	big := map[string]interface{}{"data": strings.Repeat("a", 4096)}

	// Below the minimum the excerpt budget is raised to 256
	n := Normalize(big, "webhook", "", "", 10)
	if len(n.RawExcerpt) != 256 {
		t.Errorf("excerpt length = %d, want 256", len(n.RawExcerpt))
	}
	if !n.RawTruncated {
		t.Error("truncated flag should be set")
	}
	if n.RawSizeBytes <= int64(len(n.RawExcerpt)) {
		t.Errorf("raw size = %d should exceed excerpt %d", n.RawSizeBytes, len(n.RawExcerpt))
	}

	small := map[string]interface{}{"a": "b"}
	n = Normalize(small, "webhook", "", "", 2048)
	if n.RawTruncated {
		t.Error("small payload should not be truncated")
	}
}

func TestParseDecision(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		wantErr bool
		wantDel string
	}{
		{"valid send", `{"delivery":"send","message":"hi","reasonCode":null}`, false, "send"},
		{"valid suppress", `{"delivery":"suppress","message":null,"reasonCode":"deploy_noise"}`, false, "suppress"},
		{"code fence", "```json\n{\"delivery\":\"suppress\",\"message\":null,\"reasonCode\":null}\n```", false, "suppress"},
		{"missing key", `{"delivery":"send","message":"hi"}`, true, ""},
		{"extra key", `{"delivery":"send","message":"hi","reasonCode":null,"extra":1}`, true, ""},
		{"bad delivery", `{"delivery":"maybe","message":null,"reasonCode":null}`, true, ""},
		{"prose", "not json", true, ""},
		{"empty", "", true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := parseDecision(tc.text)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", d)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Delivery != tc.wantDel {
				t.Errorf("delivery = %q, want %q", d.Delivery, tc.wantDel)
			}
		})
	}
}
