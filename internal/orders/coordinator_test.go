package orders

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/ledger"
	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/listings"
)

type fixture struct {
	coordinator *Coordinator
	repo        Repository
	ledger      *ledger.Service
	listings    *listings.Service
	settlement  *MockSettlementBackend
	unit        *ledger.CreditUnit
	listing     *listings.Listing
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	ctx := context.Background()

	ledgerSvc := ledger.NewService(ledger.NewMemoryRepository(), zap.NewNop(), nil)
	listingSvc := listings.NewService(listings.NewMemoryRepository(), ledgerSvc, zap.NewNop(), nil)
	settlement := NewMockSettlementBackend(0)
	repo := NewMemoryRepository()
	coordinator := NewCoordinator(repo, listingSvc, settlement, config, zap.NewNop(), nil)

	unit, _, err := ledgerSvc.Issue(ctx, ledger.IssueRequest{
		MRVReportID: "MRV-1",
		FarmID:      "FARM-12",
		SeasonID:    "2025-KHARIF",
		Quantity:    1000,
		Methodology: "IPCC-2019-AWD/v2",
		Vintage:     2025,
		OwnerID:     "farmer-42",
	})
	require.NoError(t, err)

	listing, err := listingSvc.CreateListing(ctx, listings.CreateListingRequest{
		CreditUnitID: unit.ID,
		SellerID:     "farmer-42",
		Quantity:     400,
		PricePerUnit: 12.5,
	})
	require.NoError(t, err)

	return &fixture{
		coordinator: coordinator,
		repo:        repo,
		ledger:      ledgerSvc,
		listings:    listingSvc,
		settlement:  settlement,
		unit:        unit,
		listing:     listing,
	}
}

func TestPlaceOrderSettlesAndCompletes(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	order, err := f.coordinator.PlaceOrder(ctx, PlaceOrderRequest{
		ListingID: f.listing.ID,
		BuyerID:   "buyer-7",
		Quantity:  400,
	})
	require.NoError(t, err)
	assert.Equal(t, 12.5, order.PricePerUnit, "price is copied from the listing at order time")
	assert.Equal(t, 5000.0, order.TotalPrice())

	f.coordinator.WaitForSettlements()

	final, err := f.coordinator.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	require.NotNil(t, final.ProviderReference)
	assert.NotNil(t, final.ClosedAt)

	fl, err := f.listings.GetListing(ctx, f.listing.ID)
	require.NoError(t, err)
	assert.Equal(t, listings.StatusFilled, fl.Status)

	unit, err := f.ledger.GetCreditUnit(ctx, f.unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 400.0, unit.SoldQuantity)
	assert.Equal(t, 600.0, unit.AvailableQuantity, "an already-reserved sale must not touch availability")

	holdings, err := f.ledger.GetHoldings(ctx, f.unit.ID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, "buyer-7", holdings[0].OwnerID)
	assert.Equal(t, order.ID.String(), holdings[0].SourceRef)
}

func TestBackendFailureCompensatesFill(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	// Slow settlement so the failure can be armed while escrow is open.
	f.settlement.Delay = 50 * time.Millisecond

	order, err := f.coordinator.PlaceOrder(ctx, PlaceOrderRequest{
		ListingID: f.listing.ID,
		BuyerID:   "buyer-7",
		Quantity:  250,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusEscrowed, order.Status)
	f.settlement.FailNext(order.ID, "card declined")

	f.coordinator.WaitForSettlements()

	final, err := f.coordinator.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	require.NotNil(t, final.FailureReason)
	assert.Equal(t, "card declined", *final.FailureReason)

	fl, err := f.listings.GetListing(ctx, f.listing.ID)
	require.NoError(t, err)
	assert.Equal(t, 400.0, fl.UnfilledQuantity(), "failed settlement must return quantity to the listing")
}

func TestExplicitSettlementFailureRollsBack(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	// Slow settlement so the failure can be injected deterministically.
	f.settlement.Delay = 50 * time.Millisecond

	order, err := f.coordinator.PlaceOrder(ctx, PlaceOrderRequest{
		ListingID: f.listing.ID,
		BuyerID:   "buyer-7",
		Quantity:  400,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusEscrowed, order.Status)

	// The provider reports failure before its own settle call lands.
	err = f.coordinator.OnSettlementResult(ctx, SettlementResult{
		OrderID: order.ID,
		Success: false,
		Error:   "insufficient buyer funds",
	})
	require.NoError(t, err)

	f.coordinator.WaitForSettlements()

	final, err := f.coordinator.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	require.NotNil(t, final.FailureReason)
	assert.Equal(t, "insufficient buyer funds", *final.FailureReason)

	// Compensation restored the listing's unfilled pool in full.
	fl, err := f.listings.GetListing(ctx, f.listing.ID)
	require.NoError(t, err)
	assert.Equal(t, listings.StatusOpen, fl.Status)
	assert.Equal(t, 400.0, fl.UnfilledQuantity())

	// And no quantity was sold or lost.
	unit, err := f.ledger.GetCreditUnit(ctx, f.unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, unit.SoldQuantity)
	assert.Equal(t, 600.0, unit.AvailableQuantity)
	assert.Equal(t, 400.0, unit.ReservedQuantity)
}

func TestDuplicateSettlementResultIsIdempotent(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	order, err := f.coordinator.PlaceOrder(ctx, PlaceOrderRequest{
		ListingID: f.listing.ID,
		BuyerID:   "buyer-7",
		Quantity:  400,
	})
	require.NoError(t, err)
	f.coordinator.WaitForSettlements()

	result := SettlementResult{OrderID: order.ID, Success: true, ProviderReference: "DUP-1"}
	require.NoError(t, f.coordinator.OnSettlementResult(ctx, result))
	require.NoError(t, f.coordinator.OnSettlementResult(ctx, result))

	unit, err := f.ledger.GetCreditUnit(ctx, f.unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 400.0, unit.SoldQuantity, "duplicate settlement must not sell twice")

	holdings, err := f.ledger.GetHoldings(ctx, f.unit.ID)
	require.NoError(t, err)
	assert.Len(t, holdings, 1)
}

func TestOrderLargerThanUnfilledIsRejected(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	_, err := f.coordinator.PlaceOrder(context.Background(), PlaceOrderRequest{
		ListingID: f.listing.ID,
		BuyerID:   "buyer-7",
		Quantity:  500,
	})
	assert.ErrorIs(t, err, listings.ErrInsufficientUnfilledQuantity)

	// Failed placement leaves the listing untouched.
	fl, err := f.listings.GetListing(context.Background(), f.listing.ID)
	require.NoError(t, err)
	assert.Equal(t, 400.0, fl.UnfilledQuantity())
}

func TestMarketClosedRejectsOrders(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.coordinator.SetMarketOpen(false)

	_, err := f.coordinator.PlaceOrder(context.Background(), PlaceOrderRequest{
		ListingID: f.listing.ID,
		BuyerID:   "buyer-7",
		Quantity:  100,
	})
	assert.ErrorIs(t, err, ErrMarketClosed)

	f.coordinator.SetMarketOpen(true)
	_, err = f.coordinator.PlaceOrder(context.Background(), PlaceOrderRequest{
		ListingID: f.listing.ID,
		BuyerID:   "buyer-7",
		Quantity:  100,
	})
	assert.NoError(t, err)
}

func TestSweepFailsStaleEscrowedOrders(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	// An escrowed order orphaned by a crash: its fill is still carved out of
	// the listing and no settlement goroutine is alive to resolve it.
	_, err := f.listings.FillPortion(ctx, f.listing.ID, 150)
	require.NoError(t, err)

	createdAt := time.Now().UTC().Add(-time.Hour)
	escrowedAt := createdAt.Add(time.Second)
	order := &Order{
		ID:           uuid.New(),
		ListingID:    f.listing.ID,
		CreditUnitID: f.unit.ID,
		BuyerID:      "buyer-7",
		Quantity:     150,
		PricePerUnit: 12.5,
		Status:       StatusEscrowed,
		EscrowedAt:   &escrowedAt,
		CreatedAt:    createdAt,
	}
	require.NoError(t, f.repo.Create(ctx, order))

	swept, err := f.coordinator.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	final, err := f.coordinator.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	require.NotNil(t, final.FailureReason)
	assert.Equal(t, "settlement timed out", *final.FailureReason)

	// Reservation is back with the listing, not stuck in escrow.
	fl, err := f.listings.GetListing(ctx, f.listing.ID)
	require.NoError(t, err)
	assert.Equal(t, 400.0, fl.UnfilledQuantity())
	assert.Equal(t, listings.StatusOpen, fl.Status)
}

func TestEscrowDeadlineFailsSettlement(t *testing.T) {
	config := DefaultConfig()
	config.EscrowTimeout = 20 * time.Millisecond
	f := newFixture(t, config)
	ctx := context.Background()

	// Settlement slower than the escrow deadline; the settlement goroutine's
	// context expires and the order fails without any sweep.
	f.settlement.Delay = time.Hour

	order, err := f.coordinator.PlaceOrder(ctx, PlaceOrderRequest{
		ListingID: f.listing.ID,
		BuyerID:   "buyer-7",
		Quantity:  400,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusEscrowed, order.Status)

	f.coordinator.WaitForSettlements()

	final, err := f.coordinator.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	require.NotNil(t, final.FailureReason)
	assert.Contains(t, *final.FailureReason, "context deadline exceeded")

	fl, err := f.listings.GetListing(ctx, f.listing.ID)
	require.NoError(t, err)
	assert.Equal(t, 400.0, fl.UnfilledQuantity())
}

func TestCancelAfterEscrowRejected(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	f.settlement.Delay = 50 * time.Millisecond
	order, err := f.coordinator.PlaceOrder(ctx, PlaceOrderRequest{
		ListingID: f.listing.ID,
		BuyerID:   "buyer-7",
		Quantity:  100,
	})
	require.NoError(t, err)

	_, err = f.coordinator.CancelOrder(ctx, order.ID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	f.coordinator.WaitForSettlements()
}

func TestSettlementRequestCarriesOrderTerms(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	order, err := f.coordinator.PlaceOrder(ctx, PlaceOrderRequest{
		ListingID: f.listing.ID,
		BuyerID:   "buyer-7",
		Quantity:  200,
	})
	require.NoError(t, err)
	f.coordinator.WaitForSettlements()

	calls := f.settlement.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, order.ID, calls[0].OrderID)
	assert.Equal(t, "buyer-7", calls[0].BuyerID)
	assert.Equal(t, "farmer-42", calls[0].SellerID)
	assert.Equal(t, 200.0, calls[0].Quantity)
	assert.Equal(t, 2500.0, calls[0].TotalAmount)
}
