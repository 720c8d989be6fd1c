package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/catalog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/database"
	"github.com/stemsi/exstem-engine/internal/logger"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"gopkg.in/yaml.v3"
)

// seedFile is the YAML layout accepted by -file.
type seedFile struct {
	ID              string         `yaml:"id"`
	Title           string         `yaml:"title"`
	DurationMinutes int            `yaml:"duration_minutes"`
	Adaptive        bool           `yaml:"adaptive"`
	TotalQuestions  int            `yaml:"total_questions"`
	Questions       []seedQuestion `yaml:"questions"`
}

type seedQuestion struct {
	Text       string   `yaml:"text"`
	Code       string   `yaml:"code"`
	Language   string   `yaml:"language"`
	Options    []string `yaml:"options"`
	Correct    int      `yaml:"correct"`
	Difficulty string   `yaml:"difficulty"`
	Topic      string   `yaml:"topic"`
}

func main() {
	var path string
	flag.StringVar(&path, "file", "", "YAML test definition (built-in demo when empty)")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	seed := demo()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Fatal().Err(err).Str("file", path).Msg("Failed to read seed file")
		}
		seed = seedFile{}
		if err := yaml.Unmarshal(raw, &seed); err != nil {
			log.Fatal().Err(err).Str("file", path).Msg("Failed to parse seed file")
		}
	}

	test, questions, err := build(seed)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid seed")
	}

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	testRepo := repository.NewTestRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)

	if err := testRepo.Upsert(ctx, test); err != nil {
		log.Fatal().Err(err).Msg("Failed to upsert test")
	}
	if err := questionRepo.CreateBatch(ctx, questions); err != nil {
		log.Fatal().Err(err).Msg("Failed to insert questions")
	}

	// Drop stale cache entries so running servers pick up the new bank.
	if rdb, err := database.NewRedisClient(ctx, cfg, log); err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, catalog cache not invalidated")
	} else {
		defer rdb.Close()
		svc := catalog.NewService(questionRepo, testRepo, rdb, log)
		if err := svc.Invalidate(ctx, test.ID); err != nil {
			log.Warn().Err(err).Msg("Failed to invalidate catalog cache")
		}
	}

	log.Info().
		Str("test_id", test.ID.String()).
		Int("questions", len(questions)).
		Bool("adaptive", test.IsAdaptive).
		Msg("Catalog seeded")
}

// build converts a seed into catalog rows. Question ids are derived from the
// test id and position so reseeding is idempotent.
func build(seed seedFile) (*model.TestDefinition, []model.Question, error) {
	testID, err := uuid.Parse(seed.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("test id: %w", err)
	}
	test := &model.TestDefinition{
		ID:              testID,
		Title:           seed.Title,
		DurationMinutes: seed.DurationMinutes,
		IsAdaptive:      seed.Adaptive,
		TotalQuestions:  seed.TotalQuestions,
	}
	if test.DurationMinutes <= 0 {
		return nil, nil, fmt.Errorf("duration_minutes must be positive")
	}

	questions := make([]model.Question, 0, len(seed.Questions))
	for i, sq := range seed.Questions {
		d, err := model.ParseDifficulty(sq.Difficulty)
		if err != nil {
			return nil, nil, fmt.Errorf("question %d: %w", i+1, err)
		}
		q := model.Question{
			ID:            uuid.NewSHA1(testID, []byte(fmt.Sprintf("q%d", i))),
			TestID:        testID,
			Content:       model.QuestionContent{Text: sq.Text, Code: sq.Code, Language: sq.Language},
			Options:       sq.Options,
			CorrectAnswer: sq.Correct,
			Difficulty:    d,
			Topic:         sq.Topic,
		}
		if !q.Valid() {
			return nil, nil, fmt.Errorf("question %d is malformed", i+1)
		}
		questions = append(questions, q)
	}
	return test, questions, nil
}

// demo is a small adaptive arithmetic test with every tier stocked.
func demo() seedFile {
	seed := seedFile{
		ID:              "8f0a4c1e-3b52-4d8e-9a61-0c2d7e5b9f10",
		Title:           "Adaptive Arithmetic Demo",
		DurationMinutes: 20,
		Adaptive:        true,
		TotalQuestions:  10,
	}
	for i := 1; i <= 6; i++ {
		a, b := i+1, i+2
		seed.Questions = append(seed.Questions,
			seedQuestion{
				Text:       fmt.Sprintf("What is %d + %d?", a, b),
				Options:    options(a+b, i),
				Correct:    i % 4,
				Difficulty: string(model.DifficultyEasy),
				Topic:      "addition",
			},
			seedQuestion{
				Text:       fmt.Sprintf("What is %d × %d?", a, b),
				Options:    options(a*b, i+1),
				Correct:    (i + 1) % 4,
				Difficulty: string(model.DifficultyMedium),
				Topic:      "multiplication",
			},
			seedQuestion{
				Text:       fmt.Sprintf("What is %d² − %d?", a*b, b),
				Options:    options(a*b*a*b-b, i+2),
				Correct:    (i + 2) % 4,
				Difficulty: string(model.DifficultyHard),
				Topic:      "powers",
			},
		)
	}
	return seed
}

// options places the answer at pos%4 among three distractors.
func options(answer, pos int) []string {
	out := []string{
		fmt.Sprint(answer + 1),
		fmt.Sprint(answer - 1),
		fmt.Sprint(answer + 10),
	}
	pos %= 4
	out = append(out[:pos], append([]string{fmt.Sprint(answer)}, out[pos:]...)...)
	return out
}
