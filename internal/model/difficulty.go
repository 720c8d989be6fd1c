package model

import (
	"encoding/json"
	"fmt"
)

// Difficulty is the tier a question is tagged with and a session is currently serving.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Difficulties lists every tier from easiest to hardest.
var Difficulties = []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard}

// Valid reports whether d is a known tier.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// Rank maps easy=1, medium=2, hard=3. Unknown tiers rank 0.
func (d Difficulty) Rank() int {
	switch d {
	case DifficultyEasy:
		return 1
	case DifficultyMedium:
		return 2
	case DifficultyHard:
		return 3
	}
	return 0
}

// Weight is the points a correct answer at this tier adds to the weighted score.
func (d Difficulty) Weight() int {
	return d.Rank()
}

// Harder returns the next tier up; hard is a ceiling.
func (d Difficulty) Harder() Difficulty {
	switch d {
	case DifficultyEasy:
		return DifficultyMedium
	default:
		return DifficultyHard
	}
}

// Easier returns the next tier down; easy is a floor.
func (d Difficulty) Easier() Difficulty {
	switch d {
	case DifficultyHard:
		return DifficultyMedium
	default:
		return DifficultyEasy
	}
}

// ParseDifficulty validates a tier name.
func ParseDifficulty(s string) (Difficulty, error) {
	d := Difficulty(s)
	if !d.Valid() {
		return "", fmt.Errorf("unknown difficulty %q", s)
	}
	return d, nil
}

// UnmarshalJSON rejects unknown tiers at the decode boundary.
func (d *Difficulty) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDifficulty(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
