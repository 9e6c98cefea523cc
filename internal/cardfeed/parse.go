// Package cardfeed turns card content sources into card identity events for
// the review service: markdown decks on disk or in git repositories, and
// created/deleted notifications published on NATS.
package cardfeed

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// Card is one flashcard as written in a deck. The scheduler never stores
// its content, only the identity derived from it.
type Card struct {
	Question string
	Answer   string
	Context  string
}

const (
	questionPrefix = "Q:"
	answerPrefix   = "A:"
	contextPrefix  = "C:"
	separator      = "---"
)

type field int

const (
	fieldNone field = iota
	fieldQuestion
	fieldAnswer
	fieldContext
)

// ParseFile extracts all cards from the deck at path.
func ParseFile(path string) ([]Card, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}

// Parse extracts all cards from a deck. A card starts at a "Q:" line, and
// "A:" and "C:" lines start its answer and context. Lines without a prefix
// continue the current field. A "---" line or the next question ends a
// card; cards without a question are dropped.
func Parse(r io.Reader) ([]Card, error) {
	var (
		cards   []Card
		cur     Card
		current = fieldNone
		block   []string
	)

	flushField := func() {
		if len(block) == 0 {
			return
		}
		text := strings.TrimRight(strings.Join(block, "\n"), "\n")
		switch current {
		case fieldQuestion:
			cur.Question = text
		case fieldAnswer:
			cur.Answer = text
		case fieldContext:
			cur.Context = text
		}
		block = nil
	}
	finishCard := func() {
		flushField()
		if cur.Question != "" {
			cards = append(cards, cur)
		}
		cur = Card{}
		current = fieldNone
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		if line == separator {
			finishCard()
			continue
		}

		next, rest, ok := fieldStart(line)
		if !ok {
			if current != fieldNone {
				block = append(block, line)
			}
			continue
		}

		if next == fieldQuestion && current != fieldNone {
			finishCard()
		} else {
			flushField()
		}
		current = next
		block = append(block, rest)
	}
	finishCard()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cards, nil
}

func fieldStart(line string) (field, string, bool) {
	for _, p := range []struct {
		prefix string
		f      field
	}{
		{questionPrefix, fieldQuestion},
		{answerPrefix, fieldAnswer},
		{contextPrefix, fieldContext},
	} {
		if rest, ok := strings.CutPrefix(line, p.prefix); ok {
			return p.f, strings.TrimPrefix(rest, " "), true
		}
	}
	return fieldNone, "", false
}
