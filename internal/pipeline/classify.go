package pipeline

// Outcome is the reporting classification of a job. It is derived from the
// persisted status and counters and is never stored.
type Outcome string

// Reporting outcomes.
const (
	OutcomeSucceeded         Outcome = "succeeded"
	OutcomeEffectivelyFailed Outcome = "effectively_failed"
	OutcomeFailed            Outcome = "failed"
	OutcomeCancelled         Outcome = "cancelled"
	OutcomePending           Outcome = "pending"
)

// ZeroYield reports whether a run visited every expected page but wrote nothing.
func ZeroYield(job ScrapeJob) bool {
	return job.Counters.ProductsSaved+job.Counters.ProductsUpdated == 0 &&
		job.PagesProcessed >= job.PageRange.ExpectedPages()
}

// Classify derives the reporting outcome. A COMPLETED zero-yield run is
// reported as effectively failed while its status stays COMPLETED.
func Classify(job ScrapeJob) Outcome {
	return ClassifyStatus(job.Status, ZeroYield(job))
}

// ClassifyStatus is Classify for callers that aggregated ZeroYield elsewhere.
func ClassifyStatus(status JobStatus, zeroYield bool) Outcome {
	switch status {
	case StatusCompleted:
		if zeroYield {
			return OutcomeEffectivelyFailed
		}
		return OutcomeSucceeded
	case StatusFailed:
		return OutcomeFailed
	case StatusCancelled:
		return OutcomeCancelled
	default:
		return OutcomePending
	}
}

// JobStats aggregates job counts by raw status and by derived outcome.
type JobStats struct {
	Total     int               `json:"total"`
	ByStatus  map[JobStatus]int `json:"byStatus"`
	ByOutcome map[Outcome]int   `json:"byOutcome"`
}

// NewJobStats returns an empty stats value with initialized maps.
func NewJobStats() JobStats {
	return JobStats{ByStatus: map[JobStatus]int{}, ByOutcome: map[Outcome]int{}}
}

// Add folds n jobs of the given status and yield into the stats.
func (s *JobStats) Add(status JobStatus, zeroYield bool, n int) {
	s.Total += n
	s.ByStatus[status] += n
	s.ByOutcome[ClassifyStatus(status, zeroYield)] += n
}
