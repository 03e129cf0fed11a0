package bridge

import (
	"strings"
	"testing"
)

func TestComposeInbound(t *testing.T) {
	cases := []struct {
		name  string
		text  string
		media string
		want  string
	}{
		{"plain text", "hello", "", "hello"},
		{"trims whitespace", "  hello \n", "", "hello"},
		{"empty", "   ", "", ""},
		{
			"media only", "", "https://cdn.example/img.jpg",
			"User attached media URL: https://cdn.example/img.jpg\nFetch and inspect this attachment URL as needed.",
		},
		{
			"text with media", "look at this", "https://cdn.example/img.jpg",
			"User message: look at this\nUser attached media URL: https://cdn.example/img.jpg\nFetch and inspect this attachment URL as needed.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ComposeInbound(tc.text, tc.media); got != tc.want {
				t.Errorf("ComposeInbound(%q, %q) = %q, want %q", tc.text, tc.media, got, tc.want)
			}
		})
	}
}

func TestSplitMessageShortPassthrough(t *testing.T) {
	chunks := SplitMessage("short message", 100)
	if len(chunks) != 1 || chunks[0] != "short message" {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestSplitMessagePrefersNewline(t *testing.T) {
	text := strings.Repeat("a", 60) + "\n" + strings.Repeat("b", 60)
	chunks := SplitMessage(text, 100)

	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	// The boundary newline stays with its chunk
	if chunks[0] != strings.Repeat("a", 60)+"\n" {
		t.Errorf("first chunk = %q", chunks[0])
	}
	if chunks[1] != strings.Repeat("b", 60) {
		t.Errorf("second chunk = %q", chunks[1])
	}
	if strings.Join(chunks, "") != text {
		t.Error("chunks do not concatenate to the original text")
	}
}

func TestSplitMessagePrefersSpaceOverHardCut(t *testing.T) {
	text := strings.Repeat("a", 70) + " " + strings.Repeat("b", 70)
	chunks := SplitMessage(text, 100)

	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[0] != strings.Repeat("a", 70)+" " {
		t.Errorf("first chunk = %q", chunks[0])
	}
	if strings.Join(chunks, "") != text {
		t.Error("chunks do not concatenate to the original text")
	}
}

func TestSplitMessageIgnoresEarlyBoundary(t *testing.T) {
	// The only newline sits below 40% of the limit, so the split is a hard cut
	text := strings.Repeat("a", 20) + "\n" + strings.Repeat("b", 150)
	chunks := SplitMessage(text, 100)

	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if got := len([]rune(chunks[0])); got != 100 {
		t.Errorf("first chunk length = %d, want a hard cut at 100", got)
	}
}

func TestSplitMessageChunkBounds(t *testing.T) {
	text := strings.Repeat("word ", 800)
	chunks := SplitMessage(text, 100)

	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if n := len([]rune(c)); n > 100 {
			t.Errorf("chunk %d has %d runes, exceeds limit", i, n)
		}
	}

	if strings.Join(chunks, "") != text {
		t.Error("chunks do not concatenate to the original text")
	}
}

func TestSplitMessageRoundTrip(t *testing.T) {
	texts := []string{
		strings.Repeat("paragraph one\nparagraph two\n\n", 60),
		strings.Repeat("line with spaces and words ", 80),
		strings.Repeat("x", 2500),
		strings.Repeat("crlf line\r\n", 150),
	}
	for i, text := range texts {
		chunks := SplitMessage(text, 100)
		want := strings.ReplaceAll(text, "\r\n", "\n")
		if strings.Join(chunks, "") != want {
			t.Errorf("text %d: chunks do not concatenate to the normalized input", i)
		}
	}
}

func TestSplitMessageNormalizesCRLF(t *testing.T) {
	chunks := SplitMessage("line one\r\nline two", 100)
	if len(chunks) != 1 || chunks[0] != "line one\nline two" {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestSplitMessageDefaultLimit(t *testing.T) {
	text := strings.Repeat("x", maxChunkChars+100)
	chunks := SplitMessage(text, 0)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if len([]rune(chunks[0])) != maxChunkChars {
		t.Errorf("first chunk = %d runes, want %d", len([]rune(chunks[0])), maxChunkChars)
	}
}
