package ledger

import (
	"context"
	"errors"
	"time"

	"parking-ledger/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type InstrumentedLedger struct {
	*Ledger
	telemetry *telemetry.Provider

	// Metrics
	bookOperations    metric.Int64Counter
	releaseOperations metric.Int64Counter
	rollbacks         metric.Int64Counter
	occupancyGauge    metric.Int64UpDownCounter
	operationDuration metric.Float64Histogram
}

func NewInstrumentedLedger(base *Ledger, telemetry *telemetry.Provider) (*InstrumentedLedger, error) {
	meter := telemetry.Meter()

	bookOperations, err := meter.Int64Counter("ledger_book_operations_total",
		metric.WithDescription("Total number of slot booking attempts"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	releaseOperations, err := meter.Int64Counter("ledger_release_operations_total",
		metric.WithDescription("Total number of slot release attempts"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	rollbacks, err := meter.Int64Counter("ledger_rollbacks_total",
		metric.WithDescription("Optimistic transitions undone after backend rejection"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	occupancyGauge, err := meter.Int64UpDownCounter("ledger_occupied_slots",
		metric.WithDescription("Current number of occupied slots across all zones"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	operationDuration, err := meter.Float64Histogram("ledger_operation_duration_seconds",
		metric.WithDescription("Duration of ledger operations"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	il := &InstrumentedLedger{
		Ledger:            base,
		telemetry:         telemetry,
		bookOperations:    bookOperations,
		releaseOperations: releaseOperations,
		rollbacks:         rollbacks,
		occupancyGauge:    occupancyGauge,
		operationDuration: operationDuration,
	}

	// Set initial occupancy from the seed data
	occupancyGauge.Add(context.Background(), int64(Summarize(base.Zones()).OccupiedSlots))

	return il, nil
}

// Replace re-seeds the underlying ledger and moves the occupancy gauge by the
// difference between the old and new data.
func (il *InstrumentedLedger) Replace(ctx context.Context, zones []Zone, slots []Slot) error {
	ctx, span := il.telemetry.Tracer().Start(ctx, "ledger.replace",
		trace.WithAttributes(attribute.Int("zones.count", len(zones))))
	defer span.End()

	delta, err := il.Ledger.replace(zones, slots)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	il.occupancyGauge.Add(ctx, int64(delta))
	return nil
}

func (il *InstrumentedLedger) Book(ctx context.Context, slotID string) (Transition, error) {
	return il.record(ctx, "ledger.book", OpBook, slotID, func() (Transition, error) {
		return il.Ledger.Book(slotID)
	})
}

func (il *InstrumentedLedger) Release(ctx context.Context, slotID string) (Transition, error) {
	return il.record(ctx, "ledger.release", OpRelease, slotID, func() (Transition, error) {
		return il.Ledger.Release(slotID)
	})
}

func (il *InstrumentedLedger) BeginBook(ctx context.Context, slotID string) (PendingOp, Transition, error) {
	var op PendingOp
	t, err := il.record(ctx, "ledger.begin_book", OpBook, slotID, func() (Transition, error) {
		var (
			t   Transition
			err error
		)
		op, t, err = il.Ledger.BeginBook(slotID)
		return t, err
	})
	return op, t, err
}

func (il *InstrumentedLedger) BeginRelease(ctx context.Context, slotID string) (PendingOp, Transition, error) {
	var op PendingOp
	t, err := il.record(ctx, "ledger.begin_release", OpRelease, slotID, func() (Transition, error) {
		var (
			t   Transition
			err error
		)
		op, t, err = il.Ledger.BeginRelease(slotID)
		return t, err
	})
	return op, t, err
}

func (il *InstrumentedLedger) Confirm(ctx context.Context, opID string) error {
	_, span := il.telemetry.Tracer().Start(ctx, "ledger.confirm",
		trace.WithAttributes(attribute.String("pending.id", opID)))
	defer span.End()

	err := il.Ledger.Confirm(opID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (il *InstrumentedLedger) Rollback(ctx context.Context, opID string) (Transition, error) {
	ctx, span := il.telemetry.Tracer().Start(ctx, "ledger.rollback",
		trace.WithAttributes(attribute.String("pending.id", opID)))
	defer span.End()

	t, err := il.Ledger.Rollback(opID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		il.rollbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "failed")))
		return t, err
	}

	span.SetAttributes(
		attribute.String("slot.id", t.SlotID),
		attribute.String("slot.status", string(t.To)),
	)
	il.rollbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "success")))
	il.occupancyGauge.Add(ctx, occupancyDelta(t))
	return t, nil
}

func (il *InstrumentedLedger) record(ctx context.Context, spanName string, kind OpKind, slotID string, fn func() (Transition, error)) (Transition, error) {
	tracer := il.telemetry.Tracer()
	ctx, span := tracer.Start(ctx, spanName,
		trace.WithAttributes(attribute.String("slot.id", slotID)))
	defer span.End()

	start := time.Now()

	t, err := fn()

	duration := time.Since(start).Seconds()

	labels := []attribute.KeyValue{
		attribute.String("operation", string(kind)),
	}

	counter := il.bookOperations
	if kind == OpRelease {
		counter = il.releaseOperations
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		labels = append(labels,
			attribute.String("status", "failed"),
			attribute.String("reason", failureReason(err)),
		)
	} else {
		labels = append(labels,
			attribute.String("status", "success"),
			attribute.String("zone_id", t.ZoneID),
		)
		span.SetAttributes(
			attribute.String("zone.id", t.ZoneID),
			attribute.Int("zone.available_slots", t.Zone.AvailableSlots),
		)
		span.AddEvent("slot_transitioned", trace.WithAttributes(
			attribute.String("from", string(t.From)),
			attribute.String("to", string(t.To)),
		))
		il.occupancyGauge.Add(ctx, occupancyDelta(t))
	}

	counter.Add(ctx, 1, metric.WithAttributes(labels...))
	il.operationDuration.Record(ctx, duration, metric.WithAttributes(labels...))

	return t, err
}

func occupancyDelta(t Transition) int64 {
	if t.To == StatusOccupied {
		return 1
	}
	return -1
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrSlotNotFound):
		return "slot_not_found"
	case errors.Is(err, ErrSlotNotAvailable):
		return "slot_not_available"
	case errors.Is(err, ErrSlotAlreadyAvailable):
		return "slot_already_available"
	case errors.Is(err, ErrSlotReserved):
		return "slot_reserved"
	case errors.Is(err, ErrZoneNotFound):
		return "zone_not_found"
	case errors.Is(err, ErrZoneCountersInconsistent):
		return "zone_counters_inconsistent"
	}
	return "other"
}
