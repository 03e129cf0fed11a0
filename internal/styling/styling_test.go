package styling

import (
	"strings"
	"testing"
)

func TestApplyBold(t *testing.T) {
	got := Apply("**Ab1**")
	want := "\U0001D400\U0001D41B\U0001D7CF"
	if got != want {
		t.Errorf("Apply = %q, want %q", got, want)
	}

	if Apply("__Ab1__") != want {
		t.Errorf("underscore bold = %q, want %q", Apply("__Ab1__"), want)
	}
}

func TestApplyItalic(t *testing.T) {
	got := Apply("*abc*")
	want := "\U0001D44E\U0001D44F\U0001D450"
	if got != want {
		t.Errorf("Apply = %q, want %q", got, want)
	}
}

func TestApplyItalicH(t *testing.T) {
	// 'h' maps to the Planck-constant code point, not the reserved slot
	if got := Apply("*h*"); got != "ℎ" {
		t.Errorf("Apply(*h*) = %q", got)
	}
}

func TestApplyMono(t *testing.T) {
	got := Apply("`go`")
	want := "\U0001D690\U0001D698"
	if got != want {
		t.Errorf("Apply = %q, want %q", got, want)
	}
}

func TestApplyLeavesSnakeCaseAlone(t *testing.T) {
	in := "set auto_approve and spark_return_target in the flags table"
	if got := Apply(in); got != in {
		t.Errorf("snake_case mangled: %q", got)
	}
}

func TestApplyUnderscoreItalicAtBoundaries(t *testing.T) {
	got := Apply("this is _important_ now")
	if strings.Contains(got, "_") {
		t.Errorf("markers not consumed: %q", got)
	}
	if !strings.Contains(got, "\U0001D456") { // italic i
		t.Errorf("italics not applied: %q", got)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	once := Apply("**bold** and *italic* and `mono` plus plain text")
	twice := Apply(once)
	if once != twice {
		t.Errorf("second application changed output:\nonce:  %q\ntwice: %q", once, twice)
	}
}

func TestApplyPlainTextUnchanged(t *testing.T) {
	in := "no markers here, just 1200 chars of text / commands"
	if got := Apply(in); got != in {
		t.Errorf("plain text changed: %q", got)
	}
}
