package model

import (
	"github.com/google/uuid"
)

const (
	MinOptions = 4
	MaxOptions = 5
)

// QuestionContent is plain text, text with an image, or text with a code block.
type QuestionContent struct {
	Text     string `json:"text"`
	ImageURL string `json:"image_url,omitempty"`
	Code     string `json:"code,omitempty"`
	Language string `json:"language,omitempty"`
}

// Question is a catalog entry.
type Question struct {
	ID            uuid.UUID       `json:"id"`
	TestID        uuid.UUID       `json:"test_id"`
	Content       QuestionContent `json:"content"`
	Options       []string        `json:"options"`
	CorrectAnswer int             `json:"correct_answer"`
	Difficulty    Difficulty      `json:"difficulty"`
	Topic         string          `json:"topic,omitempty"`
}

// Valid reports whether the entry can be served. Malformed entries are
// filtered out when the catalog loads.
func (q *Question) Valid() bool {
	if q.ID == uuid.Nil || q.Content.Text == "" {
		return false
	}
	if len(q.Options) < MinOptions || len(q.Options) > MaxOptions {
		return false
	}
	if q.CorrectAnswer < 0 || q.CorrectAnswer >= len(q.Options) {
		return false
	}
	return q.Difficulty.Valid()
}

// ForTaker strips the answer key.
func (q *Question) ForTaker() QuestionForTaker {
	return QuestionForTaker{
		ID:         q.ID,
		Content:    q.Content,
		Options:    q.Options,
		Difficulty: q.Difficulty,
		Topic:      q.Topic,
	}
}

// QuestionForTaker is a question without the correct answer, sent to clients.
type QuestionForTaker struct {
	ID         uuid.UUID       `json:"id"`
	Content    QuestionContent `json:"content"`
	Options    []string        `json:"options"`
	Difficulty Difficulty      `json:"difficulty"`
	Topic      string          `json:"topic,omitempty"`
}
