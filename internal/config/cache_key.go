package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AttemptLockKey returns the single-flight lock key guarding one active
// attempt per (tenant, exam, user).
func (r *CacheKeyStruct) AttemptLockKey(tenantID string, examID string, userID int) string {
	return fmt.Sprintf("tenant:%s:exam:%s:user:%d:attempt_lock", tenantID, examID, userID)
}

// AttemptFinalizedKey returns the exactly-once finalize guard for an attempt.
func (r *CacheKeyStruct) AttemptFinalizedKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:finalized", attemptID)
}

// ExamConfigKey returns the cache key for an exam's configuration.
func (r *CacheKeyStruct) ExamConfigKey(examID string) string {
	return fmt.Sprintf("exam:%s:config", examID)
}

// ExamPayloadKey returns the cache key for an exam's student-facing payload.
func (r *CacheKeyStruct) ExamPayloadKey(examID string) string {
	return fmt.Sprintf("exam:%s:payload", examID)
}

// CohortMedianKey returns the cache key for per-question cohort median
// time-spent figures for an exam.
func (r *CacheKeyStruct) CohortMedianKey(examID string) string {
	return fmt.Sprintf("exam:%s:cohort_medians", examID)
}

var CacheKey = NewCacheKeyStruct()
