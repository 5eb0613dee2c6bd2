package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"parking-ledger/internal/backend"
	"parking-ledger/internal/cache"
	"parking-ledger/internal/fare"
	"parking-ledger/internal/journal"
	"parking-ledger/internal/ledger"
	"parking-ledger/internal/telemetry"
)

type fakeBackend struct {
	mu         sync.Mutex
	dataset    ledger.Dataset
	fetchErr   error
	bookErr    error
	releaseErr error
	booked     []backend.BookingRequest
	released   []string
	// onBook runs while the booking is pending, before the answer returns.
	onBook func()
}

func (f *fakeBackend) FetchDataset(ctx context.Context) (ledger.Dataset, error) {
	if f.fetchErr != nil {
		return ledger.Dataset{}, f.fetchErr
	}
	return f.dataset, nil
}

func (f *fakeBackend) Book(ctx context.Context, req backend.BookingRequest) (backend.BookingResult, error) {
	f.mu.Lock()
	f.booked = append(f.booked, req)
	f.mu.Unlock()
	if f.onBook != nil {
		f.onBook()
	}
	if f.bookErr != nil {
		return backend.BookingResult{}, f.bookErr
	}
	return backend.BookingResult{ID: "901", Status: "confirmed"}, nil
}

func (f *fakeBackend) Release(ctx context.Context, slotID string) error {
	f.mu.Lock()
	f.released = append(f.released, slotID)
	f.mu.Unlock()
	return f.releaseErr
}

type memoryJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (m *memoryJournal) Record(ctx context.Context, e *journal.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memoryJournal) outcomes() []journal.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]journal.Outcome, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Outcome
	}
	return out
}

func newLedger(t *testing.T) *ledger.InstrumentedLedger {
	t.Helper()
	base, err := ledger.NewLedger(nil, nil)
	require.NoError(t, err)
	provider := telemetry.FromProviders("reconcile-test", sdktrace.NewTracerProvider(), sdkmetric.NewMeterProvider())
	il, err := ledger.NewInstrumentedLedger(base, provider)
	require.NoError(t, err)
	return il
}

func backendDataset() ledger.Dataset {
	zone := ledger.NewZone("Z1", "Backend Zone", 2, 25)
	zone.AvailableSlots = 1
	occupied := ledger.NewSlot("Z1-2", "Z1")
	occupied.Status = ledger.StatusOccupied
	return ledger.Dataset{
		Zones: []ledger.Zone{zone.Normalize()},
		Slots: []ledger.Slot{ledger.NewSlot("Z1-1", "Z1"), occupied},
	}
}

func seeded(t *testing.T, opts Options) *Service {
	t.Helper()
	svc := New(newLedger(t), opts)
	_, err := svc.Seed(context.Background())
	require.NoError(t, err)
	return svc
}

func TestSeedPrefersBackendAndCachesSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	snapshots := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)

	svc := New(newLedger(t), Options{Backend: &fakeBackend{dataset: backendDataset()}, Snapshots: snapshots})
	src, err := svc.Seed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceBackend, src)

	zones := svc.Ledger().Zones()
	require.Len(t, zones, 1)
	assert.Equal(t, "Z1", zones[0].ID)

	snap, err := snapshots.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backendDataset().Slots, snap.Slots)
}

func TestSeedFallsBackToSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	snapshots := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	ds := backendDataset()
	require.NoError(t, snapshots.Save(context.Background(), cache.Snapshot{Zones: ds.Zones, Slots: ds.Slots, FetchedAt: time.Now()}))

	svc := New(newLedger(t), Options{
		Backend:   &fakeBackend{fetchErr: backend.ErrBackendUnavailable},
		Snapshots: snapshots,
	})
	src, err := svc.Seed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceCache, src)
	_, ok := svc.Ledger().Slot("Z1-1")
	assert.True(t, ok)
}

func TestSeedFallsBackToFixtures(t *testing.T) {
	mr := miniredis.RunT(t)
	snapshots := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)

	svc := New(newLedger(t), Options{
		Backend:   &fakeBackend{fetchErr: errors.New("connection refused")},
		Snapshots: snapshots,
	})
	src, err := svc.Seed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceFixtures, src)
	assert.Len(t, svc.Ledger().Zones(), 3)
}

func TestOfflineBookConfirmsLocally(t *testing.T) {
	j := &memoryJournal{}
	svc := seeded(t, Options{Journal: j})
	assert.True(t, svc.Offline())

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out, err := svc.Book(context.Background(), "A-001", BookingInput{
		Vehicle: fare.Car,
		Entry:   day.Add(9 * time.Hour),
		Exit:    day.Add(12 * time.Hour),
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusOccupied, out.Transition.To)
	assert.Equal(t, 44, out.Transition.Zone.AvailableSlots)
	require.NotNil(t, out.Quote)
	assert.Equal(t, 106.2, out.Quote.Total)
	require.NotNil(t, out.Ticket)
	assert.Equal(t, out.OpID, out.Ticket.OpID)

	assert.Empty(t, svc.Ledger().Pending())
	assert.Equal(t, []journal.Outcome{journal.OutcomeApplied, journal.OutcomeConfirmed}, j.outcomes())
	assert.Equal(t, 106.2, j.entries[1].FareTotal)
}

func TestBookSubmitsToBackendAndConfirms(t *testing.T) {
	fb := &fakeBackend{dataset: backendDataset()}
	j := &memoryJournal{}
	svc := seeded(t, Options{Backend: fb, Journal: j})

	var pendingDuringCall int
	fb.onBook = func() { pendingDuringCall = len(svc.Ledger().Pending()) }

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out, err := svc.Book(context.Background(), "Z1-1", BookingInput{
		Vehicle: fare.Bike,
		Entry:   day.Add(8 * time.Hour),
		Exit:    day.Add(9*time.Hour + 30*time.Minute),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, pendingDuringCall)
	assert.Empty(t, svc.Ledger().Pending())
	assert.Equal(t, "901", out.BookingID)

	require.Len(t, fb.booked, 1)
	req := fb.booked[0]
	assert.Equal(t, "Z1-1", req.SlotID)
	assert.Equal(t, "bike", req.VehicleType)
	// 2 hours at the zone price of 25, plus 18%
	assert.Equal(t, 59.0, req.Amount)

	zone, _ := svc.Ledger().Zone("Z1")
	assert.Equal(t, 0, zone.AvailableSlots)
	assert.Equal(t, []journal.Outcome{journal.OutcomeApplied, journal.OutcomeConfirmed}, j.outcomes())
}

func TestBookRollsBackOnBackendRejection(t *testing.T) {
	rejection := &backend.APIError{StatusCode: 409, Body: `{"detail":"Slot already booked"}`}
	fb := &fakeBackend{dataset: backendDataset(), bookErr: rejection}
	j := &memoryJournal{}
	svc := seeded(t, Options{Backend: fb, Journal: j})

	before := svc.Ledger().Snapshot()

	_, err := svc.Book(context.Background(), "Z1-1", BookingInput{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackendRejected))
	var apiErr *backend.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 409, apiErr.StatusCode)

	assert.Equal(t, before, svc.Ledger().Snapshot())
	assert.Empty(t, svc.Ledger().Pending())
	assert.Equal(t, []journal.Outcome{journal.OutcomeApplied, journal.OutcomeRolledBack}, j.outcomes())
	assert.Contains(t, j.entries[1].Error, "Slot already booked")
}

func TestReleaseRollsBackWhenBackendUnavailable(t *testing.T) {
	fb := &fakeBackend{dataset: backendDataset(), releaseErr: backend.ErrBackendUnavailable}
	svc := seeded(t, Options{Backend: fb})

	_, err := svc.Release(context.Background(), "Z1-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrBackendUnavailable))

	slot, _ := svc.Ledger().Slot("Z1-2")
	assert.Equal(t, ledger.StatusOccupied, slot.Status)
	assert.Equal(t, []string{"Z1-2"}, fb.released)
}

func TestReleaseConfirmed(t *testing.T) {
	fb := &fakeBackend{dataset: backendDataset()}
	svc := seeded(t, Options{Backend: fb})

	out, err := svc.Release(context.Background(), "Z1-2")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusAvailable, out.Transition.To)
	assert.Equal(t, 2, out.Transition.Zone.AvailableSlots)
}

func TestLocalPreconditionFailuresNeverReachBackend(t *testing.T) {
	fb := &fakeBackend{dataset: backendDataset()}
	j := &memoryJournal{}
	svc := seeded(t, Options{Backend: fb, Journal: j})

	_, err := svc.Book(context.Background(), "Z1-2", BookingInput{})
	assert.True(t, errors.Is(err, ledger.ErrSlotNotAvailable))

	_, err = svc.Release(context.Background(), "Z1-1")
	assert.True(t, errors.Is(err, ledger.ErrSlotAlreadyAvailable))

	_, err = svc.Book(context.Background(), "missing", BookingInput{Vehicle: fare.Car})
	assert.True(t, errors.Is(err, ledger.ErrSlotNotFound))

	assert.Empty(t, fb.booked)
	assert.Empty(t, fb.released)
	assert.Equal(t, []journal.Outcome{journal.OutcomeRejected, journal.OutcomeRejected}, j.outcomes())
}

func TestBookRejectsInvalidStayBeforeApplying(t *testing.T) {
	svc := seeded(t, Options{})

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := svc.Book(context.Background(), "A-001", BookingInput{
		Vehicle: fare.Car,
		Entry:   day.Add(10 * time.Hour),
		Exit:    day.Add(10 * time.Hour),
	})
	assert.True(t, errors.Is(err, fare.ErrExitNotAfterEntry))

	slot, _ := svc.Ledger().Slot("A-001")
	assert.Equal(t, ledger.StatusAvailable, slot.Status)
}

func TestQuoteUnknownZone(t *testing.T) {
	svc := seeded(t, Options{})
	_, err := svc.Quote("Z9", fare.Car, time.Now(), time.Now().Add(time.Hour))
	assert.True(t, errors.Is(err, ledger.ErrZoneNotFound))
}

func TestRollbackKeepsBookingMadeWhileBackendWasDeciding(t *testing.T) {
	rejection := &backend.APIError{StatusCode: 409, Body: `{"detail":"Slot already booked"}`}
	fb := &fakeBackend{dataset: backendDataset(), bookErr: rejection}
	j := &memoryJournal{}
	svc := seeded(t, Options{Backend: fb, Journal: j})

	ctx := context.Background()
	fb.onBook = func() {
		// Another attendant releases the slot and books it again before the
		// backend answers the first request.
		_, err := svc.Ledger().Release(ctx, "Z1-1")
		require.NoError(t, err)
		_, err = svc.Ledger().Book(ctx, "Z1-1")
		require.NoError(t, err)
	}

	_, err := svc.Book(ctx, "Z1-1", BookingInput{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackendRejected))
	assert.True(t, errors.Is(err, ledger.ErrPendingConflict))

	slot, _ := svc.Ledger().Slot("Z1-1")
	assert.Equal(t, ledger.StatusOccupied, slot.Status)
	zone, _ := svc.Ledger().Zone("Z1")
	assert.Equal(t, 0, zone.AvailableSlots)
	assert.Empty(t, svc.Ledger().Pending())
	assert.NoError(t, svc.Ledger().Verify())
	assert.Equal(t, []journal.Outcome{journal.OutcomeApplied, journal.OutcomeFailed}, j.outcomes())
}

func TestZoneGaugesFollowEveryTransition(t *testing.T) {
	rejection := &backend.APIError{StatusCode: 409, Body: `{"detail":"Slot already booked"}`}
	fb := &fakeBackend{dataset: backendDataset()}
	svc := seeded(t, Options{Backend: fb})
	ctx := context.Background()

	assert.Equal(t, 1.0, testutil.ToFloat64(ZoneAvailableSlots.WithLabelValues("Z1")))
	assert.Equal(t, 0.5, testutil.ToFloat64(ZoneOccupancyRatio.WithLabelValues("Z1")))

	_, err := svc.Book(ctx, "Z1-1", BookingInput{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(ZoneAvailableSlots.WithLabelValues("Z1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ZoneOccupancyRatio.WithLabelValues("Z1")))

	fb.releaseErr = rejection
	_, err = svc.Release(ctx, "Z1-2")
	require.Error(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(ZoneAvailableSlots.WithLabelValues("Z1")))

	fb.releaseErr = nil
	_, err = svc.Release(ctx, "Z1-2")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(ZoneAvailableSlots.WithLabelValues("Z1")))
}

func TestSeedDropsUnusableSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	snapshots := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	bad := cache.Snapshot{Zones: []ledger.Zone{{ID: "X", TotalSlots: 1, AvailableSlots: 3}}, FetchedAt: time.Now()}
	require.NoError(t, snapshots.Save(context.Background(), bad))

	svc := New(newLedger(t), Options{
		Backend:   &fakeBackend{fetchErr: backend.ErrBackendUnavailable},
		Snapshots: snapshots,
	})
	src, err := svc.Seed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceFixtures, src)

	_, err = snapshots.Load(context.Background())
	assert.True(t, errors.Is(err, cache.ErrMiss))
}

func TestSeedDropsCorruptSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("parking-ledger:snapshot", "{broken"))
	snapshots := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)

	svc := New(newLedger(t), Options{Snapshots: snapshots})
	src, err := svc.Seed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceFixtures, src)
	assert.False(t, mr.Exists("parking-ledger:snapshot"))
}
