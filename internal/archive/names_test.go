package archive

import (
	"strings"
	"testing"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"Cours Intro.pdf", "Cours Intro.pdf"},
		{"../../etc/passwd.pdf", "passwd.pdf"},
		{`..\..\windows\system32.pdf`, "system32.pdf"},
		{"notes", "notes.pdf"},
		{"Rapport Été.pdf", "Rapport Été.pdf"},
		{"weird<>:\"|?*name.pdf", "weirdname.pdf"},
		{"", "document.pdf"},
		{"   ", "document.pdf"},
		{"...hidden.pdf", "hidden.pdf"},
		{"UPPER.PDF", "UPPER.PDF"},
	}
	for _, tt := range tests {
		got := SanitizeFilename(tt.in)
		if got != tt.expected {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.expected)
		}
	}
}

func TestSanitizeFilenameNeverContainsSeparators(t *testing.T) {
	inputs := []string{
		"../../etc/passwd.pdf",
		"/absolute/path/file.pdf",
		`C:\Users\x\doc.pdf`,
		"a/b/c",
	}
	for _, in := range inputs {
		got := SanitizeFilename(in)
		if strings.ContainsAny(got, `/\`) {
			t.Errorf("SanitizeFilename(%q) = %q still contains a path separator", in, got)
		}
		if !strings.HasSuffix(strings.ToLower(got), ".pdf") {
			t.Errorf("SanitizeFilename(%q) = %q does not end in .pdf", in, got)
		}
	}
}

func TestSanitizeFilenameCapsLength(t *testing.T) {
	long := strings.Repeat("é", 500) + ".pdf"
	got := SanitizeFilename(long)
	if n := len([]rune(got)); n > maxFilenameRunes+4 {
		t.Errorf("sanitized name has %d runes, want at most %d", n, maxFilenameRunes+4)
	}
	if !strings.HasSuffix(strings.ToLower(got), ".pdf") {
		t.Errorf("truncated name %q lost its extension", got)
	}
}

func TestContentDispositionASCII(t *testing.T) {
	got := ContentDisposition("inline", "notes.pdf")
	if got != `inline; filename="notes.pdf"` {
		t.Errorf("unexpected disposition: %s", got)
	}
	if strings.Contains(got, "filename*") {
		t.Error("pure ASCII name should not carry a filename* parameter")
	}
}

func TestContentDispositionUnicode(t *testing.T) {
	got := ContentDisposition("attachment", "Rapport Été.pdf")
	if !strings.HasPrefix(got, "attachment; ") {
		t.Errorf("missing disposition type: %s", got)
	}
	if !strings.Contains(got, "filename*=UTF-8''Rapport%20%C3%89t%C3%A9.pdf") {
		t.Errorf("missing or wrong RFC 5987 parameter: %s", got)
	}
	// The fallback parameter must stay pure ASCII.
	start := strings.Index(got, `filename="`)
	end := strings.Index(got[start+len(`filename="`):], `"`)
	fallback := got[start+len(`filename="`) : start+len(`filename="`)+end]
	for _, r := range fallback {
		if r > 0x7e {
			t.Errorf("fallback filename %q contains non-ASCII rune %q", fallback, r)
		}
	}
}

func TestContentDispositionQuoteSafety(t *testing.T) {
	got := ContentDisposition("inline", `eva"l.pdf`)
	if got != `inline; filename="eva_l.pdf"` {
		t.Errorf("quote was not neutralized: %s", got)
	}
}
