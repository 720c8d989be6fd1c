// Package metrics holds the Prometheus collectors of the session engine.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsStarted counts session starts by timing action (fresh, resume, ...).
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exstem_sessions_started_total",
			Help: "Sessions started or resumed, by timing action",
		},
		[]string{"action"},
	)

	// ActiveSessions is the number of session runtimes held by this process.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "exstem_sessions_active",
			Help: "Session runtimes currently held in memory",
		},
	)

	// AnswersProcessed counts graded answers by outcome and served difficulty.
	AnswersProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exstem_answers_total",
			Help: "Answers processed, by outcome and difficulty served",
		},
		[]string{"outcome", "difficulty"},
	)

	// QuestionSelections counts selector picks by winning strategy.
	QuestionSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exstem_question_selections_total",
			Help: "Questions selected, by selection strategy",
		},
		[]string{"strategy"},
	)

	// Submissions counts finalized sessions by trigger and result.
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exstem_submissions_total",
			Help: "Submission attempts, by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	// SubmissionDuration observes the persistence latency of a submission.
	SubmissionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "exstem_submission_duration_seconds",
			Help:    "Time spent persisting a submission",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Violations counts integrity violations by type.
	Violations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exstem_integrity_violations_total",
			Help: "Integrity violations reported, by type",
		},
		[]string{"type"},
	)

	// DiscardedResponses counts stored responses that failed the completeness check.
	DiscardedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exstem_discarded_responses_total",
			Help: "Incomplete stored responses discarded on re-entry",
		},
	)
)

// Handler exposes the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
