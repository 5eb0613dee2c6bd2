package ledger

import (
	"context"
	"sync"
	"testing"

	"parking-ledger/internal/telemetry"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newInstrumented(t *testing.T) (*InstrumentedLedger, *tracetest.InMemoryExporter, *sdkmetric.ManualReader) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	provider := telemetry.FromProviders("ledger-test", tp, mp)
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("Failed to shutdown telemetry: %v", err)
		}
	})

	il, err := NewInstrumentedLedger(newTestLedger(t), provider)
	if err != nil {
		t.Fatalf("Failed to create instrumented ledger: %v", err)
	}
	return il, exporter, reader
}

func occupancy(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Failed to collect metrics: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "ledger_occupied_slots" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("Unexpected data type %T", m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatal("ledger_occupied_slots not reported")
	return 0
}

func TestInstrumentedLedgerIntegration(t *testing.T) {
	il, exporter, reader := newInstrumented(t)
	ctx := context.Background()

	if got := occupancy(t, reader); got != 56 {
		t.Errorf("Expected initial occupancy 56, got %d", got)
	}

	tr, err := il.Book(ctx, "A-001")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err.Error())
	}
	if tr.Zone.AvailableSlots != 44 {
		t.Errorf("Expected 44 available slots, got %d", tr.Zone.AvailableSlots)
	}

	if _, err := il.Book(ctx, "A-001"); err == nil {
		t.Error("Expected error booking an occupied slot")
	}

	if _, err := il.Release(ctx, "A-002"); err != nil {
		t.Fatalf("Unexpected error: %s", err.Error())
	}

	if got := occupancy(t, reader); got != 56 {
		t.Errorf("Expected occupancy 56 after one book and one release, got %d", got)
	}

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("Expected 3 spans, got %d", len(spans))
	}
	if spans[0].Name != "ledger.book" || spans[2].Name != "ledger.release" {
		t.Errorf("Unexpected span names: %s, %s", spans[0].Name, spans[2].Name)
	}
	if len(spans[1].Events) == 0 {
		t.Error("Expected failed booking span to record the error")
	}
}

func TestInstrumentedLedgerRollback(t *testing.T) {
	il, exporter, reader := newInstrumented(t)
	ctx := context.Background()

	op, _, err := il.BeginBook(ctx, "B-001")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err.Error())
	}
	if got := occupancy(t, reader); got != 57 {
		t.Errorf("Expected occupancy 57 while booking is pending, got %d", got)
	}

	if _, err := il.Rollback(ctx, op.ID); err != nil {
		t.Fatalf("Unexpected error: %s", err.Error())
	}
	if got := occupancy(t, reader); got != 56 {
		t.Errorf("Expected occupancy 56 after rollback, got %d", got)
	}

	names := map[string]bool{}
	for _, s := range exporter.GetSpans() {
		names[s.Name] = true
	}
	for _, want := range []string{"ledger.begin_book", "ledger.rollback"} {
		if !names[want] {
			t.Errorf("Expected span %s", want)
		}
	}
}

func TestInstrumentedLedgerReplaceMovesOccupancy(t *testing.T) {
	il, exporter, reader := newInstrumented(t)
	ctx := context.Background()

	ds, err := Fixtures()
	if err != nil {
		t.Fatalf("Failed to load fixtures: %v", err)
	}
	if err := il.Replace(ctx, ds.Zones, ds.Slots); err != nil {
		t.Fatalf("Unexpected error: %s", err.Error())
	}
	if got := occupancy(t, reader); got != 105 {
		t.Errorf("Expected occupancy 105 after replace, got %d", got)
	}

	bad := []Zone{{ID: "X", TotalSlots: 1, AvailableSlots: 3}}
	if err := il.Replace(ctx, bad, nil); err == nil {
		t.Error("Expected invalid replacement to fail")
	}
	if got := occupancy(t, reader); got != 105 {
		t.Errorf("Expected occupancy unchanged after failed replace, got %d", got)
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 || spans[0].Name != "ledger.replace" {
		t.Errorf("Expected 2 ledger.replace spans, got %d", len(spans))
	}
}

func TestInstrumentedLedgerOccupancyStaysExactDuringReplace(t *testing.T) {
	il, _, reader := newInstrumented(t)
	ctx := context.Background()

	ds, err := Fixtures()
	if err != nil {
		t.Fatalf("Failed to load fixtures: %v", err)
	}
	if err := il.Replace(ctx, ds.Zones, ds.Slots); err != nil {
		t.Fatalf("Unexpected error: %s", err.Error())
	}
	available := il.AvailableSlots("")

	var wg sync.WaitGroup
	for _, slot := range available {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, _ = il.Book(ctx, id)
				_, _ = il.Release(ctx, id)
			}
		}(slot.ID)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			if err := il.Replace(ctx, ds.Zones, ds.Slots); err != nil {
				t.Errorf("Unexpected error: %s", err.Error())
			}
		}
	}()
	wg.Wait()

	want := int64(Summarize(il.Zones()).OccupiedSlots)
	if got := occupancy(t, reader); got != want {
		t.Errorf("Expected occupancy gauge %d to match ledger, got %d", want, got)
	}
}
