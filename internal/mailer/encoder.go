package mailer

import (
	"encoding/base64"
	"regexp"
	"strings"
)

// boundary is the fixed multipart boundary marker. It is deliberately
// constant so BuildRaw stays a pure function.
const boundary = "boundary123"

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// StripTags derives a plaintext alternative from an HTML body by removing
// all markup tags.
func StripTags(html string) string {
	return tagPattern.ReplaceAllString(html, "")
}

// BuildRaw assembles a transport-ready message: a multipart/alternative
// body with text/plain and text/html parts, encoded as URL-safe base64
// with padding stripped. That encoding is the Gmail API contract for the
// `raw` field of users.messages.send, not a stylistic choice.
//
// Identical inputs always yield byte-identical output.
func BuildRaw(from, to, subject, htmlBody string) string {
	textBody := StripTags(htmlBody)

	lines := []string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="` + boundary + `"`,
		"",
		"--" + boundary,
		"Content-Type: text/plain; charset=UTF-8",
		"",
		textBody,
		"",
		"--" + boundary,
		"Content-Type: text/html; charset=UTF-8",
		"",
		htmlBody,
		"",
		"--" + boundary + "--",
	}

	return base64.RawURLEncoding.EncodeToString([]byte(strings.Join(lines, "\n")))
}
