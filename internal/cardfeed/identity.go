package cardfeed

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Normalize joins the cleaned fields of a card with newlines. Each field is
// lowercased and trimmed, and CRLF line endings become LF.
func Normalize(card Card) string {
	clean := func(s string) string {
		s = strings.ToLower(s)
		s = strings.TrimSpace(s)
		return strings.ReplaceAll(s, "\r\n", "\n")
	}
	return strings.Join([]string{clean(card.Question), clean(card.Answer), clean(card.Context)}, "\n")
}

// Identity is the card id the scheduler keys schedules by: the hex SHA-256
// of the normalized content, scoped to owner so that two owners holding the
// same card get a schedule each. Editing a card's text makes it a new card.
func Identity(owner string, card Card) string {
	content := Normalize(card)
	if owner != "" {
		content = owner + "\x00" + content
	}
	return fmt.Sprintf("%x", sha256.Sum256([]byte(content)))
}
