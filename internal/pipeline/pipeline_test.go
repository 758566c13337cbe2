package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	require.True(t, CanTransition(StatusCreated, StatusWaiting))
	require.True(t, CanTransition(StatusWaiting, StatusActive))
	require.True(t, CanTransition(StatusActive, StatusDelayed))
	require.True(t, CanTransition(StatusActive, StatusCompleted))
	require.True(t, CanTransition(StatusDelayed, StatusCancelled))

	for _, terminal := range []JobStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		for _, next := range []JobStatus{StatusWaiting, StatusActive, StatusCompleted, StatusFailed, StatusCancelled} {
			require.False(t, CanTransition(terminal, next), "%s -> %s", terminal, next)
		}
	}
	require.Error(t, ValidateTransition(StatusCompleted, StatusActive))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	done := ScrapeJob{Status: StatusCompleted, PageRange: PageRange{StartPage: 1, EndPage: 2}, PagesProcessed: 2}
	require.Equal(t, OutcomeEffectivelyFailed, Classify(done))

	done.Counters.ProductsUpdated = 1
	require.Equal(t, OutcomeSucceeded, Classify(done))

	partial := ScrapeJob{Status: StatusCompleted, PageRange: PageRange{StartPage: 1, EndPage: 5}, PagesProcessed: 2}
	require.Equal(t, OutcomeSucceeded, Classify(partial))

	require.Equal(t, OutcomeFailed, Classify(ScrapeJob{Status: StatusFailed}))
	require.Equal(t, OutcomeCancelled, Classify(ScrapeJob{Status: StatusCancelled}))
	require.Equal(t, OutcomePending, Classify(ScrapeJob{Status: StatusWaiting}))
}

func TestJobStatsAdd(t *testing.T) {
	t.Parallel()

	stats := NewJobStats()
	stats.Add(StatusCompleted, true, 2)
	stats.Add(StatusCompleted, false, 3)
	stats.Add(StatusFailed, false, 1)

	require.Equal(t, 6, stats.Total)
	require.Equal(t, 5, stats.ByStatus[StatusCompleted])
	require.Equal(t, 2, stats.ByOutcome[OutcomeEffectivelyFailed])
	require.Equal(t, 3, stats.ByOutcome[OutcomeSucceeded])
}

func TestPayloadValidation(t *testing.T) {
	t.Parallel()

	require.NoError(t, ScrapePayload{VendorID: "v1", Mode: ModeManual}.Validate())
	err := ScrapePayload{Mode: ModeManual}.Validate()
	require.ErrorIs(t, err, ErrInvalidPayload)
	require.Error(t, ScrapePayload{VendorID: "v1", Mode: "weekly"}.Validate())

	require.Error(t, DetectPayload{VendorID: "v1"}.Validate())
	require.Error(t, DetectPayload{ScrapeJobID: "j", VendorID: "v1", Products: []ProductSummary{{Name: "x"}}}.Validate())

	require.Error(t, AlertPayload{UserID: "u", Email: "nope"}.Validate())
	require.NoError(t, AlertPayload{UserID: "u", Email: "a@b.c", PriceChanges: []PriceChange{{ProductID: "p"}}}.Validate())
}

func TestConflictErrorMatchesSentinel(t *testing.T) {
	t.Parallel()

	var err error = &ConflictError{VendorID: "v", BlockingJobID: "j", BlockingStatus: StatusActive}
	require.True(t, errors.Is(err, ErrConflict))
	require.Contains(t, err.Error(), "j")
}

func TestPricePerUnitAndSlug(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 10.0, PricePerUnit(50, 5), 1e-9)
	require.InDelta(t, 3.3333, PricePerUnit(10, 3), 1e-9)
	require.Zero(t, PricePerUnit(10, 0))
	require.Equal(t, "blue-dream-fem", Slugify("  Blue Dream (Fem) "))
	require.Equal(t, 3, PageRange{StartPage: 2, EndPage: 4}.ExpectedPages())
	require.Equal(t, PageRange{StartPage: 1, EndPage: 1}, PageRange{StartPage: 0, EndPage: -3}.Normalize())
}

func TestNormalizeProduct(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	p, err := NormalizeProduct("v1", RawProduct{
		Name: "  Cherokee   Purple ",
		Prices: []RawPrice{
			{PackSize: 25, TotalPrice: 5},
			{PackSize: 0, TotalPrice: 3},
			{PackSize: 100, TotalPrice: -1},
			{PackSize: 25, TotalPrice: 4.5},
		},
	}, now)
	require.NoError(t, err)
	require.Equal(t, "Cherokee Purple", p.Name)
	require.Equal(t, "cherokee-purple", p.Slug)
	require.Len(t, p.Pricings, 1)
	require.InDelta(t, 0.18, p.Pricings[0].PricePerUnit, 1e-9)
	require.Equal(t, now, p.UpdatedAt)

	_, err = NormalizeProduct("v1", RawProduct{Prices: []RawPrice{{PackSize: 1, TotalPrice: 1}}}, now)
	require.ErrorIs(t, err, ErrInvalidPayload)
	_, err = NormalizeProduct("v1", RawProduct{Name: "Okra"}, now)
	require.ErrorIs(t, err, ErrInvalidPayload)
}
