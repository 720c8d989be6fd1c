package config

import (
	"fmt"

	"github.com/google/uuid"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionTimerKey returns the store path holding a session's start timestamp
func (r *CacheKeyStruct) SessionTimerKey(testID uuid.UUID, userID string) string {
	return fmt.Sprintf("user:%s:test:%s:timer", userID, testID)
}

// AdaptiveStateKey returns the store path of a user's adaptive difficulty state
func (r *CacheKeyStruct) AdaptiveStateKey(testID uuid.UUID, userID string) string {
	return fmt.Sprintf("user:%s:test:%s:adaptive", userID, testID)
}

// SessionProgressKey returns the store path of a session's answers and question order
func (r *CacheKeyStruct) SessionProgressKey(testID uuid.UUID, userID string) string {
	return fmt.Sprintf("user:%s:test:%s:progress", userID, testID)
}

// ViolationCountKey returns the store path of a session's integrity violation counter
func (r *CacheKeyStruct) ViolationCountKey(testID uuid.UUID, userID string) string {
	return fmt.Sprintf("user:%s:test:%s:violations", userID, testID)
}

// SessionLeaseKey returns the store path of the single-session lease
func (r *CacheKeyStruct) SessionLeaseKey(testID uuid.UUID, userID string) string {
	return fmt.Sprintf("user:%s:test:%s:lease", userID, testID)
}

// TestDefinitionKey returns the cache key for a test's metadata
func (r *CacheKeyStruct) TestDefinitionKey(testID uuid.UUID) string {
	return fmt.Sprintf("test:%s:definition", testID)
}

// TestQuestionsKey returns the cache key for a test's question bank
func (r *CacheKeyStruct) TestQuestionsKey(testID uuid.UUID) string {
	return fmt.Sprintf("test:%s:questions", testID)
}

// SessionPaths lists every transient path of one session.
func (r *CacheKeyStruct) SessionPaths(testID uuid.UUID, userID string) []string {
	return []string{
		r.SessionTimerKey(testID, userID),
		r.AdaptiveStateKey(testID, userID),
		r.SessionProgressKey(testID, userID),
		r.ViolationCountKey(testID, userID),
	}
}

var CacheKey = NewCacheKeyStruct()
