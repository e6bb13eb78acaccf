// Package archive holds naming helpers shared by the upload and
// retrieval pipelines: display-name sanitization and Content-Disposition
// encoding for names that may contain non-ASCII characters.
package archive

import (
	"fmt"
	"strings"
)

// MIMETypePDF is the only content type this archive accepts.
const MIMETypePDF = "application/pdf"

// maxFilenameRunes caps sanitized display names. Long enough for real
// course material names, short enough for every filesystem and header.
const maxFilenameRunes = 160

// SanitizeFilename normalizes a client-supplied filename for display and
// Content-Disposition use. Path components and dangerous characters are
// stripped, the length is capped and a .pdf suffix is guaranteed. The
// result is never used as a storage path; backends generate their own keys.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)

	// Keep only the last path element, whichever separator the client used.
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			// control characters
		case strings.ContainsRune(`<>:"|?*`, r):
			// characters some filesystems and header parsers reject
		default:
			b.WriteRune(r)
		}
	}

	name = strings.TrimLeft(b.String(), ". ")
	name = strings.TrimSpace(name)

	if runes := []rune(name); len(runes) > maxFilenameRunes {
		name = string(runes[:maxFilenameRunes])
	}

	if name == "" {
		name = "document.pdf"
	}
	if !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		name += ".pdf"
	}
	return name
}

// ContentDisposition builds an inline or attachment header value for the
// given filename. ASCII names produce a plain filename parameter; names
// with non-ASCII runes additionally carry an RFC 5987 filename* parameter
// so browsers restore the original name.
func ContentDisposition(disposition, filename string) string {
	ascii, hasUnicode := asciiFallback(filename)
	if !hasUnicode {
		return fmt.Sprintf("%s; filename=%q", disposition, ascii)
	}
	return fmt.Sprintf("%s; filename=%q; filename*=UTF-8''%s", disposition, ascii, rfc5987Encode(filename))
}

// asciiFallback replaces every rune a quoted-string filename parameter
// cannot carry. The bool reports whether any non-ASCII rune was seen.
func asciiFallback(s string) (string, bool) {
	var b strings.Builder
	hasUnicode := false
	for _, r := range s {
		switch {
		case r > 0x7e:
			hasUnicode = true
			b.WriteByte('_')
		case r < 0x20 || r == '"' || r == '\\':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String(), hasUnicode
}

// rfc5987Encode percent-encodes everything outside the attr-char set of
// RFC 5987 §3.2.1.
func rfc5987Encode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
		return true
	}
	switch c {
	case '!', '#', '$', '&', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}
