// Package personalize substitutes per-recipient tokens into newsletter text.
package personalize

import (
	"regexp"
	"strings"
)

var (
	nameToken      = regexp.MustCompile(`(?i)\{\{name\}\}`)
	emailToken     = regexp.MustCompile(`(?i)\{\{email\}\}`)
	firstNameToken = regexp.MustCompile(`(?i)\{\{first_name\}\}`)

	localSeparators = strings.NewReplacer(".", " ", "_", " ")
)

// DisplayName derives a human-readable name from the local part of an email
// address: "jane.doe@example.com" → "jane doe".
func DisplayName(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return localSeparators.Replace(local)
}

// Apply replaces every occurrence of the personalization tokens {{name}},
// {{email}} and {{first_name}} in text, case-insensitively. Unknown tokens
// are left untouched; empty input yields empty output.
func Apply(text, recipientEmail string) string {
	if text == "" {
		return text
	}

	name := DisplayName(recipientEmail)
	first, _, _ := strings.Cut(name, " ")

	text = nameToken.ReplaceAllLiteralString(text, name)
	text = emailToken.ReplaceAllLiteralString(text, recipientEmail)
	text = firstNameToken.ReplaceAllLiteralString(text, first)
	return text
}
