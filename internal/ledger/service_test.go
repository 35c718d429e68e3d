package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService() *Service {
	return NewService(NewMemoryRepository(), zap.NewNop(), nil)
}

func issueRequest(mrvReportID string, quantity float64) IssueRequest {
	return IssueRequest{
		MRVReportID: mrvReportID,
		FarmID:      "FARM-12",
		SeasonID:    "2025-KHARIF",
		Quantity:    quantity,
		Methodology: "IPCC-2019-AWD/v2",
		Vintage:     2025,
		OwnerID:     "farmer-42",
	}
}

// assertConservation checks the accounting identity that must hold after
// every mutation: total == available + reserved + sold + retired.
func assertConservation(t *testing.T, s *Service, unit *CreditUnit) {
	t.Helper()
	fresh, err := s.GetCreditUnit(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.Equal(t, fresh.TotalQuantity,
		fresh.AvailableQuantity+fresh.ReservedQuantity+fresh.SoldQuantity+fresh.RetiredQuantity,
		"conservation violated: total=%f available=%f reserved=%f sold=%f retired=%f",
		fresh.TotalQuantity, fresh.AvailableQuantity, fresh.ReservedQuantity, fresh.SoldQuantity, fresh.RetiredQuantity)
}

func TestIssueIsIdempotentPerMRVReport(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	unit, alreadyIssued, err := s.Issue(ctx, issueRequest("MRV-1", 1000))
	require.NoError(t, err)
	assert.False(t, alreadyIssued)
	assert.Equal(t, 1000.0, unit.TotalQuantity)
	assert.Equal(t, 1000.0, unit.AvailableQuantity)
	assert.Equal(t, StatusIssued, unit.Status)

	again, alreadyIssued, err := s.Issue(ctx, issueRequest("MRV-1", 500))
	require.NoError(t, err)
	assert.True(t, alreadyIssued)
	assert.Equal(t, unit.ID, again.ID)
	assert.Equal(t, 1000.0, again.TotalQuantity, "re-issuance must not change total quantity")

	other, alreadyIssued, err := s.Issue(ctx, issueRequest("MRV-2", 500))
	require.NoError(t, err)
	assert.False(t, alreadyIssued)
	assert.NotEqual(t, unit.ID, other.ID)
}

func TestIssueRejectsNonPositiveQuantity(t *testing.T) {
	s := newTestService()

	_, _, err := s.Issue(context.Background(), issueRequest("MRV-1", 0))
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, _, err = s.Issue(context.Background(), issueRequest("MRV-1", -10))
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestReserveCommitTransfersToNewOwner(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	unit, _, err := s.Issue(ctx, issueRequest("MRV-1", 1000))
	require.NoError(t, err)

	res, err := s.Reserve(ctx, unit.ID, 400)
	require.NoError(t, err)
	assertConservation(t, s, unit)

	fresh, err := s.GetCreditUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 600.0, fresh.AvailableQuantity)
	assert.Equal(t, 400.0, fresh.ReservedQuantity)

	require.NoError(t, s.Commit(ctx, res.ID, 400, "buyer-7", "order-1"))
	assertConservation(t, s, unit)

	fresh, err = s.GetCreditUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 600.0, fresh.AvailableQuantity, "sale of reserved quantity must not touch the available pool")
	assert.Equal(t, 0.0, fresh.ReservedQuantity)
	assert.Equal(t, 400.0, fresh.SoldQuantity)
	assert.Equal(t, StatusPartiallySold, fresh.Status)

	holdings, err := s.GetHoldings(ctx, unit.ID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, "buyer-7", holdings[0].OwnerID)
	assert.Equal(t, 400.0, holdings[0].Quantity)
	assert.Equal(t, "order-1", holdings[0].SourceRef)
}

func TestReleaseRestoresAvailableQuantityExactly(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	unit, _, err := s.Issue(ctx, issueRequest("MRV-1", 1000))
	require.NoError(t, err)

	res, err := s.Reserve(ctx, unit.ID, 400)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, res.ID, 400))
	assertConservation(t, s, unit)

	fresh, err := s.GetCreditUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, fresh.AvailableQuantity)
	assert.Equal(t, StatusIssued, fresh.Status)
}

func TestPartialCommitAndReleaseOnOneReservation(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	unit, _, err := s.Issue(ctx, issueRequest("MRV-1", 1000))
	require.NoError(t, err)

	res, err := s.Reserve(ctx, unit.ID, 500)
	require.NoError(t, err)

	require.NoError(t, s.Commit(ctx, res.ID, 200, "buyer-1", "order-1"))
	require.NoError(t, s.Commit(ctx, res.ID, 100, "buyer-2", "order-2"))
	require.NoError(t, s.Release(ctx, res.ID, 200))
	assertConservation(t, s, unit)

	// Reservation is exhausted; further movement must fail.
	err = s.Commit(ctx, res.ID, 1, "buyer-3", "order-3")
	assert.ErrorIs(t, err, ErrReservationExhausted)
	err = s.Release(ctx, res.ID, 1)
	assert.ErrorIs(t, err, ErrReservationExhausted)

	fresh, err := s.GetCreditUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 700.0, fresh.AvailableQuantity)
	assert.Equal(t, 300.0, fresh.SoldQuantity)
	assert.Equal(t, 0.0, fresh.ReservedQuantity)
}

func TestReserveFailsWhenInsufficient(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	unit, _, err := s.Issue(ctx, issueRequest("MRV-1", 400))
	require.NoError(t, err)

	_, err = s.Reserve(ctx, unit.ID, 300)
	require.NoError(t, err)

	_, err = s.Reserve(ctx, unit.ID, 300)
	assert.ErrorIs(t, err, ErrInsufficientAvailableQuantity)

	// Failed reserve leaves quantities untouched.
	fresh, err := s.GetCreditUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, fresh.AvailableQuantity)
	assertConservation(t, s, unit)
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	unit, _, err := s.Issue(ctx, issueRequest("MRV-1", 1000))
	require.NoError(t, err)

	const workers = 40
	const each = 100.0 // 40 * 100 = 4000 requested against 1000 available

	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Reserve(ctx, unit.ID, each)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, failures int
	for err := range results {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientAvailableQuantity)
			failures++
		}
	}

	assert.Equal(t, 10, successes, "exactly enough reserves to exhaust availability must succeed")
	assert.Equal(t, workers-10, failures)

	fresh, err := s.GetCreditUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, fresh.AvailableQuantity)
	assert.Equal(t, 1000.0, fresh.ReservedQuantity)
	assertConservation(t, s, unit)
}

func TestFractionalQuantitiesStayOnGrid(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	unit, _, err := s.Issue(ctx, issueRequest("MRV-1", 0.3))
	require.NoError(t, err)

	// 0.3 - 0.1 - 0.1 in binary floating point leaves 0.0999...; quantities
	// snap to the 0.0001 grid after every movement, so the last tenth must
	// still be reservable.
	var reservations []uuid.UUID
	for i := 0; i < 3; i++ {
		res, err := s.Reserve(ctx, unit.ID, 0.1)
		require.NoError(t, err, "reserve %d of 3", i+1)
		reservations = append(reservations, res.ID)
		assertConservation(t, s, unit)
	}

	fresh, err := s.GetCreditUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, fresh.AvailableQuantity)
	assert.Equal(t, 0.3, fresh.ReservedQuantity)
	assert.Equal(t, StatusFullyListed, fresh.Status)

	_, err = s.Reserve(ctx, unit.ID, 0.0001)
	assert.ErrorIs(t, err, ErrInsufficientAvailableQuantity)

	require.NoError(t, s.Commit(ctx, reservations[0], 0.1, "buyer-7", "order-1"))
	require.NoError(t, s.Release(ctx, reservations[1], 0.1))
	require.NoError(t, s.Release(ctx, reservations[2], 0.1))
	assertConservation(t, s, unit)

	fresh, err = s.GetCreditUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.2, fresh.AvailableQuantity)
	assert.Equal(t, 0.1, fresh.SoldQuantity)
	assert.Equal(t, 0.0, fresh.ReservedQuantity)
	assert.Equal(t, StatusPartiallySold, fresh.Status)
}

func TestRoundQuantitySnapsToGrid(t *testing.T) {
	assert.Equal(t, 0.1, RoundQuantity(0.3-0.1-0.1))
	assert.Equal(t, 0.0, RoundQuantity(0.1-0.1))
	assert.Equal(t, 0.0001, RoundQuantity(0.00005))
	assert.Equal(t, 0.0, RoundQuantity(0.00004))
	assert.Equal(t, 1000.0, RoundQuantity(1000))
}

// flakyState is shared between a flakyRepo and the transactional repositories
// it hands out, so a failure armed on the outer repo also fires inside a
// transaction.
type flakyState struct {
	failSaveUnit      bool
	lastReservationID uuid.UUID
}

type flakyRepo struct {
	Repository
	state *flakyState
}

func (f *flakyRepo) CreateReservation(ctx context.Context, res *Reservation) error {
	if err := f.Repository.CreateReservation(ctx, res); err != nil {
		return err
	}
	f.state.lastReservationID = res.ID
	return nil
}

func (f *flakyRepo) SaveUnit(ctx context.Context, unit *CreditUnit) error {
	if f.state.failSaveUnit {
		return errors.New("storage unavailable")
	}
	return f.Repository.SaveUnit(ctx, unit)
}

func (f *flakyRepo) InTransaction(ctx context.Context, fn func(Repository) error) error {
	return f.Repository.InTransaction(ctx, func(tx Repository) error {
		return fn(&flakyRepo{Repository: tx, state: f.state})
	})
}

func TestReserveRollsBackWhenUnitSaveFails(t *testing.T) {
	state := &flakyState{}
	s := NewService(&flakyRepo{Repository: NewMemoryRepository(), state: state}, zap.NewNop(), nil)
	ctx := context.Background()

	unit, _, err := s.Issue(ctx, issueRequest("MRV-1", 1000))
	require.NoError(t, err)

	state.failSaveUnit = true
	_, err = s.Reserve(ctx, unit.ID, 400)
	require.Error(t, err)
	state.failSaveUnit = false

	// The reservation row written before the failing unit save must have
	// rolled back with it; releasing it would otherwise mint 400 tons.
	require.NotEqual(t, uuid.Nil, state.lastReservationID)
	err = s.Release(ctx, state.lastReservationID, 400)
	assert.ErrorIs(t, err, ErrNotFound)

	fresh, err := s.GetCreditUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, fresh.AvailableQuantity)
	assert.Equal(t, 0.0, fresh.ReservedQuantity)
	assertConservation(t, s, unit)
}

func TestRetireIsPermanent(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	unit, _, err := s.Issue(ctx, issueRequest("MRV-1", 1000))
	require.NoError(t, err)

	record, err := s.Retire(ctx, unit.ID, 100, "2025 offset claim", "farmer-42", nil)
	require.NoError(t, err)
	assert.Equal(t, 100.0, record.Quantity)
	assertConservation(t, s, unit)

	fresh, err := s.GetCreditUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 900.0, fresh.AvailableQuantity)
	assert.Equal(t, 100.0, fresh.RetiredQuantity)

	// Exhaust the rest through reserve+release cycles; retired quantity must
	// never reappear.
	res, err := s.Reserve(ctx, unit.ID, 900)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, res.ID, 900))

	fresh, err = s.GetCreditUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 900.0, fresh.AvailableQuantity)
	assert.Equal(t, 100.0, fresh.RetiredQuantity)

	_, err = s.Retire(ctx, unit.ID, 900, "close out", "farmer-42", nil)
	require.NoError(t, err)

	fresh, err = s.GetCreditUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetired, fresh.Status)
	_, err = s.Reserve(ctx, unit.ID, 1)
	assert.ErrorIs(t, err, ErrInsufficientAvailableQuantity)
}

func TestRetireIdempotentByRequestID(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	unit, _, err := s.Issue(ctx, issueRequest("MRV-1", 1000))
	require.NoError(t, err)

	reqID := "retire-req-1"
	first, err := s.Retire(ctx, unit.ID, 100, "offset", "farmer-42", &reqID)
	require.NoError(t, err)

	second, err := s.Retire(ctx, unit.ID, 100, "offset", "farmer-42", &reqID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	fresh, err := s.GetCreditUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, fresh.RetiredQuantity, "retried retirement must not retire twice")
}

func TestRetirementHistoryIsAppendOnly(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	unit, _, err := s.Issue(ctx, issueRequest("MRV-1", 1000))
	require.NoError(t, err)

	_, err = s.Retire(ctx, unit.ID, 100, "first claim", "farmer-42", nil)
	require.NoError(t, err)
	_, err = s.Retire(ctx, unit.ID, 50, "second claim", "buyer-7", nil)
	require.NoError(t, err)

	records, err := s.GetRetirementHistory(ctx, unit.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "first claim", records[0].Reason)
	assert.Equal(t, "second claim", records[1].Reason)
}

func TestStatsAggregateAcrossUnits(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	u1, _, err := s.Issue(ctx, issueRequest("MRV-1", 1000))
	require.NoError(t, err)
	_, _, err = s.Issue(ctx, issueRequest("MRV-2", 500))
	require.NoError(t, err)

	res, err := s.Reserve(ctx, u1.ID, 300)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, res.ID, 300, "buyer-1", "order-1"))
	_, err = s.Retire(ctx, u1.ID, 100, "claim", "farmer-42", nil)
	require.NoError(t, err)

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.UnitsIssued)
	assert.Equal(t, 1500.0, stats.TotalIssuedTons)
	assert.Equal(t, 300.0, stats.TotalTradedTons)
	assert.Equal(t, 100.0, stats.TotalRetiredTons)
	assert.Equal(t, int64(1), stats.RetirementRecords)
}

func TestComputeStatus(t *testing.T) {
	cases := []struct {
		name                               string
		available, reserved, sold, retired float64
		want                               CreditUnitStatus
	}{
		{"freshly issued", 1000, 0, 0, 0, StatusIssued},
		{"partially listed", 600, 400, 0, 0, StatusPartiallyListed},
		{"fully listed", 0, 1000, 0, 0, StatusFullyListed},
		{"partially sold", 600, 0, 400, 0, StatusPartiallySold},
		{"sold out", 0, 0, 1000, 0, StatusSoldOut},
		{"fully retired", 0, 0, 0, 1000, StatusRetired},
		{"sold and retired out", 0, 0, 900, 100, StatusSoldOut},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			unit := &CreditUnit{
				TotalQuantity:     tc.available + tc.reserved + tc.sold + tc.retired,
				AvailableQuantity: tc.available,
				ReservedQuantity:  tc.reserved,
				SoldQuantity:      tc.sold,
				RetiredQuantity:   tc.retired,
			}
			assert.Equal(t, tc.want, unit.ComputeStatus())
		})
	}
}

func TestCreditUnitIDIsDeterministic(t *testing.T) {
	assert.Equal(t, CreditUnitID("MRV-1"), CreditUnitID("MRV-1"))
	assert.NotEqual(t, CreditUnitID("MRV-1"), CreditUnitID("MRV-2"))
}
