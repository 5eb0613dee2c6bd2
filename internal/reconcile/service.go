// Package reconcile keeps the local ledger in step with the authoritative
// backend. Transitions are applied locally first so the UI updates at once,
// then confirmed or rolled back depending on the backend's answer.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"parking-ledger/internal/backend"
	"parking-ledger/internal/cache"
	"parking-ledger/internal/fare"
	"parking-ledger/internal/journal"
	"parking-ledger/internal/ledger"
	"parking-ledger/internal/logging"
	"parking-ledger/internal/ticket"
)

var ErrBackendRejected = errors.New("backend rejected the operation")

type Backend interface {
	FetchDataset(ctx context.Context) (ledger.Dataset, error)
	Book(ctx context.Context, req backend.BookingRequest) (backend.BookingResult, error)
	Release(ctx context.Context, slotID string) error
}

type SnapshotStore interface {
	Save(ctx context.Context, snap cache.Snapshot) error
	Load(ctx context.Context) (cache.Snapshot, error)
	Invalidate(ctx context.Context) error
}

type Recorder interface {
	Record(ctx context.Context, e *journal.Entry) error
}

type Source string

const (
	SourceBackend  Source = "backend"
	SourceCache    Source = "cache"
	SourceFixtures Source = "fixtures"
)

type Options struct {
	// Backend may be nil, in which case every transition is confirmed locally.
	Backend   Backend
	Snapshots SnapshotStore
	Journal   Recorder
	Policy    *fare.Policy
}

type Service struct {
	ledger    *ledger.InstrumentedLedger
	backend   Backend
	snapshots SnapshotStore
	journal   Recorder
	policy    fare.Policy
	now       func() time.Time
}

func New(l *ledger.InstrumentedLedger, opts Options) *Service {
	policy := fare.Standard
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	return &Service{
		ledger:    l,
		backend:   opts.Backend,
		snapshots: opts.Snapshots,
		journal:   opts.Journal,
		policy:    policy,
		now:       time.Now,
	}
}

func (s *Service) Ledger() *ledger.InstrumentedLedger {
	return s.ledger
}

func (s *Service) Offline() bool {
	return s.backend == nil
}

// Seed loads zones and slots from the first source that answers: the
// backend, then the redis snapshot, then the built-in fixtures.
func (s *Service) Seed(ctx context.Context) (Source, error) {
	if s.backend != nil {
		ds, err := s.backend.FetchDataset(ctx)
		if err == nil {
			err = s.ledger.Replace(ctx, ds.Zones, ds.Slots)
		}
		if err == nil {
			s.saveSnapshot(ctx, ds)
			s.markSeeded(ctx, SourceBackend, ds)
			return SourceBackend, nil
		}
		logging.Warn(ctx).Err(err).Msg("seeding from backend failed")
	}

	if s.snapshots != nil {
		snap, err := s.snapshots.Load(ctx)
		unusable := errors.Is(err, cache.ErrCorrupt)
		if err == nil {
			err = s.ledger.Replace(ctx, snap.Zones, snap.Slots)
			unusable = err != nil
		}
		if err == nil {
			logging.Info(ctx).Time("fetchedAt", snap.FetchedAt).Msg("using cached snapshot")
			s.markSeeded(ctx, SourceCache, snap.Dataset())
			return SourceCache, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			logging.Warn(ctx).Err(err).Msg("seeding from snapshot failed")
		}
		if unusable {
			if err := s.snapshots.Invalidate(ctx); err != nil {
				logging.Warn(ctx).Err(err).Msg("failed to drop unusable snapshot")
			}
		}
	}

	ds, err := ledger.Fixtures()
	if err != nil {
		return "", err
	}
	if err := s.ledger.Replace(ctx, ds.Zones, ds.Slots); err != nil {
		return "", err
	}
	s.markSeeded(ctx, SourceFixtures, ds)
	return SourceFixtures, nil
}

func (s *Service) saveSnapshot(ctx context.Context, ds ledger.Dataset) {
	if s.snapshots == nil {
		return
	}
	snap := cache.Snapshot{Zones: ds.Zones, Slots: ds.Slots, FetchedAt: s.now().UTC()}
	if err := s.snapshots.Save(ctx, snap); err != nil {
		logging.Warn(ctx).Err(err).Msg("failed to cache snapshot")
	}
}

func (s *Service) markSeeded(ctx context.Context, src Source, ds ledger.Dataset) {
	publishAllZones(s.ledger.Zones())
	logging.Info(ctx).
		Str("source", string(src)).
		Int("zones", len(ds.Zones)).
		Int("slots", len(ds.Slots)).
		Msg("ledger seeded")
}

// Quote prices a stay in the given zone.
func (s *Service) Quote(zoneID string, v fare.Vehicle, entry, exit time.Time) (fare.Quote, error) {
	zone, ok := s.ledger.Zone(zoneID)
	if !ok {
		return fare.Quote{}, fmt.Errorf("%w: %s", ledger.ErrZoneNotFound, zoneID)
	}
	return s.policy.Quote(v, entry, exit, zone.PricePerHour)
}

// BookingInput describes the stay. A zero Vehicle books without a quote.
type BookingInput struct {
	Vehicle fare.Vehicle
	Entry   time.Time
	Exit    time.Time
}

type BookingOutcome struct {
	OpID       string            `json:"opId"`
	Transition ledger.Transition `json:"transition"`
	Quote      *fare.Quote       `json:"quote,omitempty"`
	Ticket     *ticket.Ticket    `json:"ticket,omitempty"`
	BookingID  string            `json:"bookingId,omitempty"`
}

func (s *Service) Book(ctx context.Context, slotID string, in BookingInput) (BookingOutcome, error) {
	var quote *fare.Quote
	if in.Vehicle != "" {
		slot, ok := s.ledger.Slot(slotID)
		if !ok {
			return BookingOutcome{}, fmt.Errorf("%w: %s", ledger.ErrSlotNotFound, slotID)
		}
		q, err := s.Quote(slot.ZoneID, in.Vehicle, in.Entry, in.Exit)
		if err != nil {
			return BookingOutcome{}, err
		}
		quote = &q
	}

	op, t, err := s.ledger.BeginBook(ctx, slotID)
	if err != nil {
		s.record(ctx, journal.Entry{Kind: string(ledger.OpBook), SlotID: slotID, Outcome: journal.OutcomeRejected, Error: err.Error()})
		return BookingOutcome{}, err
	}
	publishZone(t.Zone)

	entry := journal.Entry{OpID: op.ID, Kind: string(ledger.OpBook), SlotID: slotID, ZoneID: t.ZoneID}
	if quote != nil {
		entry.FareTotal = quote.Total
	}
	s.record(ctx, withOutcome(entry, journal.OutcomeApplied, nil))

	out := BookingOutcome{OpID: op.ID, Transition: t, Quote: quote}

	if s.backend != nil {
		req := backend.BookingRequest{SlotID: slotID}
		if quote != nil {
			req.VehicleType = string(quote.Vehicle)
			req.EntryTime = &quote.Entry
			req.ExitTime = &quote.Exit
			req.Amount = quote.Total
		}
		res, err := s.backend.Book(ctx, req)
		if err != nil {
			return BookingOutcome{}, s.rollback(ctx, op, entry, err)
		}
		out.BookingID = string(res.ID)
	}

	s.confirm(ctx, op, entry)

	tk, err := ticket.Issue(op.ID, slotID, quote)
	if err != nil {
		logging.Warn(ctx).Err(err).Str("slotId", slotID).Msg("failed to issue ticket")
	} else {
		out.Ticket = &tk
	}

	return out, nil
}

type ReleaseOutcome struct {
	OpID       string            `json:"opId"`
	Transition ledger.Transition `json:"transition"`
}

func (s *Service) Release(ctx context.Context, slotID string) (ReleaseOutcome, error) {
	op, t, err := s.ledger.BeginRelease(ctx, slotID)
	if err != nil {
		s.record(ctx, journal.Entry{Kind: string(ledger.OpRelease), SlotID: slotID, Outcome: journal.OutcomeRejected, Error: err.Error()})
		return ReleaseOutcome{}, err
	}
	publishZone(t.Zone)

	entry := journal.Entry{OpID: op.ID, Kind: string(ledger.OpRelease), SlotID: slotID, ZoneID: t.ZoneID}
	s.record(ctx, withOutcome(entry, journal.OutcomeApplied, nil))

	if s.backend != nil {
		if err := s.backend.Release(ctx, slotID); err != nil {
			return ReleaseOutcome{}, s.rollback(ctx, op, entry, err)
		}
	}

	s.confirm(ctx, op, entry)
	return ReleaseOutcome{OpID: op.ID, Transition: t}, nil
}

func (s *Service) confirm(ctx context.Context, op ledger.PendingOp, entry journal.Entry) {
	if err := s.ledger.Confirm(ctx, op.ID); err != nil {
		// A re-seed in the meantime already replaced the pending op.
		logging.Warn(ctx).Err(err).Str("opId", op.ID).Msg("confirm skipped")
	}
	s.record(ctx, withOutcome(entry, journal.OutcomeConfirmed, nil))
}

// rollback undoes op after the backend refused it and returns the error the
// caller should see.
func (s *Service) rollback(ctx context.Context, op ledger.PendingOp, entry journal.Entry, cause error) error {
	backendErr := fmt.Errorf("%w: %w", ErrBackendRejected, cause)

	t, err := s.ledger.Rollback(ctx, op.ID)
	if err != nil {
		logging.Error(ctx).Err(err).Str("opId", op.ID).Str("slotId", op.SlotID).Msg("rollback failed")
		s.record(ctx, withOutcome(entry, journal.OutcomeFailed, errors.Join(cause, err)))
		return errors.Join(backendErr, err)
	}

	publishZone(t.Zone)
	logging.Warn(ctx).Err(cause).Str("opId", op.ID).Str("slotId", op.SlotID).Msg("backend rejected transition, rolled back")
	s.record(ctx, withOutcome(entry, journal.OutcomeRolledBack, cause))
	return backendErr
}

func withOutcome(e journal.Entry, outcome journal.Outcome, err error) journal.Entry {
	e.Outcome = outcome
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

func (s *Service) record(ctx context.Context, e journal.Entry) {
	if s.journal == nil {
		return
	}
	e.CreatedAt = s.now().UTC()
	if err := s.journal.Record(ctx, &e); err != nil {
		logging.Warn(ctx).Err(err).Str("slotId", e.SlotID).Msg("failed to journal transition")
	}
}
