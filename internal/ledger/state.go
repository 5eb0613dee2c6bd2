package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPendingNotFound = errors.New("pending operation not found")
	ErrPendingConflict = errors.New("slot changed since the operation was applied")
)

type OpKind string

const (
	OpBook    OpKind = "book"
	OpRelease OpKind = "release"
)

type Transition struct {
	SlotID string     `json:"slotId"`
	ZoneID string     `json:"zoneId"`
	From   SlotStatus `json:"from"`
	To     SlotStatus `json:"to"`
	Zone   Zone       `json:"zone"`
}

// PendingOp is a transition that has been applied locally but not yet
// acknowledged by the authoritative backend.
type PendingOp struct {
	ID        string     `json:"id"`
	Kind      OpKind     `json:"kind"`
	SlotID    string     `json:"slotId"`
	ZoneID    string     `json:"zoneId"`
	AppliedTo SlotStatus `json:"appliedTo"`
	CreatedAt time.Time  `json:"createdAt"`

	// Generation is the slot's change count right after the op applied.
	Generation uint64 `json:"generation"`
}

// Ledger holds the current zones and slots for a single writer. Each
// mutation swaps in the slices returned by the pure transition functions.
type Ledger struct {
	mu      sync.RWMutex
	zones   []Zone
	slots   []Slot
	pending map[string]PendingOp

	// generations counts successful transitions per slot.
	generations map[string]uint64
}

func NewLedger(zones []Zone, slots []Slot) (*Ledger, error) {
	l := &Ledger{
		pending:     make(map[string]PendingOp),
		generations: make(map[string]uint64),
	}
	if err := l.Replace(zones, slots); err != nil {
		return nil, err
	}
	return l, nil
}

// Replace re-seeds the ledger. Pending operations are dropped because the new
// data already reflects whatever the backend decided about them.
func (l *Ledger) Replace(zones []Zone, slots []Slot) error {
	_, err := l.replace(zones, slots)
	return err
}

// replace swaps in the new data and reports how the occupied slot count
// changed, both measured under the same lock.
func (l *Ledger) replace(zones []Zone, slots []Slot) (int, error) {
	nz := make([]Zone, len(zones))
	for i, z := range zones {
		nz[i] = z.Normalize()
	}
	ns := make([]Slot, len(slots))
	copy(ns, slots)

	if err := Verify(ns, nz); err != nil {
		return 0, fmt.Errorf("seed ledger: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	before := Summarize(l.zones).OccupiedSlots
	l.zones = nz
	l.slots = ns
	l.pending = make(map[string]PendingOp)
	l.generations = make(map[string]uint64)
	return Summarize(nz).OccupiedSlots - before, nil
}

func (l *Ledger) Book(slotID string) (Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.apply(OpBook, slotID)
}

func (l *Ledger) Release(slotID string) (Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.apply(OpRelease, slotID)
}

func (l *Ledger) apply(kind OpKind, slotID string) (Transition, error) {
	before, _ := FindSlot(l.slots, slotID)

	var (
		slots []Slot
		zones []Zone
		err   error
	)
	switch kind {
	case OpBook:
		slots, zones, err = BookSlot(l.slots, l.zones, slotID)
	case OpRelease:
		slots, zones, err = ReleaseSlot(l.slots, l.zones, slotID)
	default:
		return Transition{}, fmt.Errorf("unknown operation %q", kind)
	}
	if err != nil {
		return Transition{}, err
	}

	l.slots = slots
	l.zones = zones
	l.generations[slotID]++

	after, _ := FindSlot(slots, slotID)
	zone, _ := FindZone(zones, after.ZoneID)
	return Transition{
		SlotID: slotID,
		ZoneID: after.ZoneID,
		From:   before.Status,
		To:     after.Status,
		Zone:   zone,
	}, nil
}

// BeginBook books the slot right away and keeps a record so the booking can
// be rolled back if the backend refuses it.
func (l *Ledger) BeginBook(slotID string) (PendingOp, Transition, error) {
	return l.begin(OpBook, slotID)
}

func (l *Ledger) BeginRelease(slotID string) (PendingOp, Transition, error) {
	return l.begin(OpRelease, slotID)
}

func (l *Ledger) begin(kind OpKind, slotID string) (PendingOp, Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.apply(kind, slotID)
	if err != nil {
		return PendingOp{}, Transition{}, err
	}

	op := PendingOp{
		ID:         uuid.New().String(),
		Kind:       kind,
		SlotID:     slotID,
		ZoneID:     t.ZoneID,
		AppliedTo:  t.To,
		Generation: l.generations[slotID],
		CreatedAt:  time.Now(),
	}
	l.pending[op.ID] = op
	return op, t, nil
}

func (l *Ledger) Confirm(opID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pending[opID]; !ok {
		return ErrPendingNotFound
	}
	delete(l.pending, opID)
	return nil
}

// Rollback undoes a pending operation by applying the inverse transition.
// Any transition of the slot after the operation, even one that ends in the
// same status, makes the rollback a conflict. A conflicting operation is
// dropped since it can no longer be undone.
func (l *Ledger) Rollback(opID string) (Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	op, ok := l.pending[opID]
	if !ok {
		return Transition{}, ErrPendingNotFound
	}

	current, ok := FindSlot(l.slots, op.SlotID)
	if !ok || current.Status != op.AppliedTo || l.generations[op.SlotID] != op.Generation {
		delete(l.pending, opID)
		return Transition{}, ErrPendingConflict
	}

	inverse := OpRelease
	if op.Kind == OpRelease {
		inverse = OpBook
	}
	t, err := l.apply(inverse, op.SlotID)
	if err != nil {
		return Transition{}, fmt.Errorf("rollback %s: %w", op.ID, err)
	}
	delete(l.pending, opID)
	return t, nil
}

func (l *Ledger) Pending() []PendingOp {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ops := make([]PendingOp, 0, len(l.pending))
	for _, op := range l.pending {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
	return ops
}

// Snapshot returns copies of the current zones and slots.
func (l *Ledger) Snapshot() Dataset {
	l.mu.RLock()
	defer l.mu.RUnlock()

	zones := make([]Zone, len(l.zones))
	copy(zones, l.zones)
	slots := make([]Slot, len(l.slots))
	copy(slots, l.slots)
	return Dataset{Zones: zones, Slots: slots}
}

func (l *Ledger) Zones() []Zone {
	return l.Snapshot().Zones
}

func (l *Ledger) Zone(zoneID string) (Zone, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return FindZone(l.zones, zoneID)
}

func (l *Ledger) Slot(slotID string) (Slot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return FindSlot(l.slots, slotID)
}

func (l *Ledger) SlotsByZone(zoneID string) []Slot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return GetSlotsByZone(l.slots, zoneID)
}

func (l *Ledger) AvailableSlots(zoneID string) []Slot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return GetAvailableSlots(l.slots, zoneID)
}

func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Verify(l.slots, l.zones)
}
