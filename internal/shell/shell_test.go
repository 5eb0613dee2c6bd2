package shell

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"parking-ledger/internal/ledger"
	"parking-ledger/internal/reconcile"
	"parking-ledger/internal/telemetry"
)

func runShell(t *testing.T, input string) (string, *reconcile.Service, *tracetest.InMemoryExporter) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	provider := telemetry.FromProviders("shell-test",
		sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)),
		sdkmetric.NewMeterProvider())

	base, err := ledger.NewLedger(nil, nil)
	if err != nil {
		t.Fatalf("Failed to create ledger: %v", err)
	}
	il, err := ledger.NewInstrumentedLedger(base, provider)
	if err != nil {
		t.Fatalf("Failed to instrument ledger: %v", err)
	}
	svc := reconcile.New(il, reconcile.Options{})
	if _, err := svc.Seed(context.Background()); err != nil {
		t.Fatalf("Failed to seed: %v", err)
	}

	var out bytes.Buffer
	sh := New(svc, provider, strings.NewReader(input), &out)
	sh.now = func() time.Time { return time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC) }
	sh.Run(context.Background())

	return out.String(), svc, exporter
}

func expectContains(t *testing.T, output, want string) {
	t.Helper()
	if !strings.Contains(output, want) {
		t.Errorf("Expected output to contain %q, got:\n%s", want, output)
	}
}

func TestShellZones(t *testing.T) {
	out, _, _ := runShell(t, "zones\n")

	expectContains(t, out, "Zone A - Main Entrance")
	expectContains(t, out, "59 of 164 slots available")
}

func TestShellBookAndRelease(t *testing.T) {
	out, svc, _ := runShell(t, "book A-001 car 09:00 12:00\nrelease B-001\n")

	expectContains(t, out, "Booked slot A-001, zone A now has 44 available")
	expectContains(t, out, "total 106.20, deposit 26.55, due at exit 79.65")
	expectContains(t, out, "Ticket: PK-")
	expectContains(t, out, "Released slot B-001, zone B now has 13 available")

	slot, _ := svc.Ledger().Slot("A-001")
	if slot.Status != ledger.StatusOccupied {
		t.Errorf("Expected A-001 occupied, got %s", slot.Status)
	}
}

func TestShellErrors(t *testing.T) {
	out, _, _ := runShell(t, "book A-002\nrelease A-001\nbook A-004\nslots Z\nbook\nfly\n")

	expectContains(t, out, "Error: Slot is not available")
	expectContains(t, out, "Error: Slot is already available")
	expectContains(t, out, "Error: Slot is reserved")
	expectContains(t, out, "Error: Zone not found")
	expectContains(t, out, "Usage: book <slot> [vehicle entry exit]")
	expectContains(t, out, "Unknown command: fly")
}

func TestShellFare(t *testing.T) {
	out, _, _ := runShell(t, "fare C bike 09:00 09:01\nfare C bike 10:00 09:00\nfare C plane 09:00 10:00\n")

	expectContains(t, out, "1 h x 10.00 = 10.00, GST 1.80, total 11.80")
	expectContains(t, out, "Error: exit time must be after entry time")
	expectContains(t, out, "Error: unknown vehicle type")
}

func TestShellQueries(t *testing.T) {
	out, _, _ := runShell(t, "available C\nslots B\npending\nverify\n")

	expectContains(t, out, "C-001")
	expectContains(t, out, "C-003")
	if strings.Contains(out, "C-002") {
		t.Errorf("Expected only available C slots, got:\n%s", out)
	}
	expectContains(t, out, "B-003")
	expectContains(t, out, "No pending operations")
	expectContains(t, out, "Ledger is consistent")
}

func TestShellStopsAtExit(t *testing.T) {
	out, _, _ := runShell(t, "exit\nzones\n")

	if strings.Contains(out, "Zone A") {
		t.Errorf("Expected no output after exit, got:\n%s", out)
	}
}

func TestShellSpans(t *testing.T) {
	_, _, exporter := runShell(t, "zones\nbook A-002\n")

	names := map[string]int{}
	var failed bool
	for _, s := range exporter.GetSpans() {
		names[s.Name]++
		if s.Name == "shell.process_command" && len(s.Events) > 0 && s.Events[0].Name == "exception" {
			failed = true
		}
	}

	if names["shell.run"] != 1 {
		t.Errorf("Expected 1 shell.run span, got %d", names["shell.run"])
	}
	if names["shell.process_command"] != 2 {
		t.Errorf("Expected 2 shell.process_command spans, got %d", names["shell.process_command"])
	}
	if names["ledger.begin_book"] != 1 {
		t.Errorf("Expected 1 ledger.begin_book span, got %d", names["ledger.begin_book"])
	}
	if !failed {
		t.Error("Expected failed booking to be recorded on the command span")
	}
}
