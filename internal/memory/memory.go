// Package memory formats prior conversation turns for the history input slot.
package memory

import (
	"fmt"
	"strings"
)

// Author is who wrote a turn.
type Author string

const (
	AuthorHuman Author = "human"
	AuthorAI    Author = "ai"
)

// Turn is one message of a conversation.
type Turn struct {
	Author Author `json:"author"`
	Text   string `json:"text"`
}

// Conversation is the history a client sends along with a new message.
type Conversation struct {
	Turns []Turn `json:"turns"`
}

// New returns a conversation holding turns.
func New(turns ...Turn) *Conversation {
	return &Conversation{Turns: turns}
}

// Add appends a turn.
func (c *Conversation) Add(author Author, text string) {
	c.Turns = append(c.Turns, Turn{Author: author, Text: text})
}

// HasHistory reports whether any turn has been recorded. A nil conversation
// has none.
func (c *Conversation) HasHistory() bool {
	return c != nil && len(c.Turns) > 0
}

// Format renders the turns one per line as "Human: ..." and "AI: ...".
// It returns "" for a nil or empty conversation.
func (c *Conversation) Format() string {
	if !c.HasHistory() {
		return ""
	}
	lines := make([]string, len(c.Turns))
	for i, t := range c.Turns {
		lines[i] = fmt.Sprintf("%s: %s", t.Author.prefix(), t.Text)
	}
	return strings.Join(lines, "\n")
}

func (a Author) prefix() string {
	if a == AuthorAI {
		return "AI"
	}
	return "Human"
}

// ParseAuthor maps a client species string ("human", "ai") to an Author.
// Anything other than "ai" is treated as human.
func ParseAuthor(species string) Author {
	if strings.EqualFold(species, string(AuthorAI)) {
		return AuthorAI
	}
	return AuthorHuman
}
