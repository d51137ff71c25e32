package content

import (
	"bytes"
	"errors"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	policy        = bluemonday.UGCPolicy()
	usernameRegex = regexp.MustCompile(`^[a-z0-9._-]+$`)

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
	)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// Applied to every inbound display name and message body.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Render converts message text to sanitized HTML for the presentation
// layer. On render failure the sanitized source text is returned as-is.
func Render(input string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return Sanitize(input)
	}
	return policy.Sanitize(strings.TrimSpace(buf.String()))
}

// NormalizeUsername lower-cases and trims a user-supplied username.
// Peer ids are derived from normalized usernames.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// ValidateUsername checks if the username contains only allowed characters
// (lowercase alphanumeric, dot, dash, underscore) and is not empty.
// Call NormalizeUsername first.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
