package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"parking-ledger/internal/fare"
	"parking-ledger/internal/ledger"
	"parking-ledger/internal/reconcile"
	"parking-ledger/internal/telemetry"
)

const usage = `Commands:
  zones                                  list zones and availability
  slots <zone>                           list slots of a zone
  available [zone]                       list available slots
  book <slot> [vehicle entry exit]       book a slot, optionally quoting the stay
  release <slot>                         release a slot
  fare <zone> <vehicle> <entry> <exit>   quote a stay, times as HH:MM
  pending                                list unconfirmed operations
  verify                                 check ledger consistency
  sync                                   re-seed the ledger
  help                                   show this help
  exit                                   leave the shell`

type Shell struct {
	svc       *reconcile.Service
	telemetry *telemetry.Provider
	scanner   *bufio.Scanner
	out       io.Writer
	now       func() time.Time
}

func New(svc *reconcile.Service, telemetry *telemetry.Provider, in io.Reader, out io.Writer) *Shell {
	return &Shell{
		svc:       svc,
		telemetry: telemetry,
		scanner:   bufio.NewScanner(in),
		out:       out,
		now:       time.Now,
	}
}

func (s *Shell) Run(ctx context.Context) {
	tracer := s.telemetry.Tracer()
	ctx, span := tracer.Start(ctx, "shell.run")
	defer span.End()

	span.AddEvent("shell_started")

	for s.scanner.Scan() {
		if ctx.Err() != nil {
			break
		}

		input := strings.TrimSpace(s.scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		cmdCtx, cmdSpan := tracer.Start(ctx, "shell.process_command",
			trace.WithAttributes(attribute.String("command.input", input)))
		s.processCommand(cmdCtx, input)
		cmdSpan.End()
	}

	span.AddEvent("shell_ended")
}

func (s *Shell) processCommand(ctx context.Context, input string) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return
	}

	command := parts[0]
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("command.name", command))

	switch command {
	case "zones":
		s.handleZones()
	case "slots":
		s.handleSlots(parts)
	case "available":
		s.handleAvailable(parts)
	case "book":
		s.handleBook(ctx, parts)
	case "release":
		s.handleRelease(ctx, parts)
	case "fare":
		s.handleFare(parts)
	case "pending":
		s.handlePending()
	case "verify":
		s.handleVerify()
	case "sync":
		s.handleSync(ctx)
	case "help":
		s.println(usage)
	default:
		span.AddEvent("unknown_command", trace.WithAttributes(
			attribute.String("unknown_command", command),
		))
		s.printf("Unknown command: %s\n", command)
	}
}

func (s *Shell) handleZones() {
	zones := s.svc.Ledger().Zones()
	if len(zones) == 0 {
		s.println("No zones loaded")
		return
	}

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Zone\tName\tAvailable\tOccupied\tTotal\tRate/h")
	for _, z := range zones {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%.2f\n",
			z.ID, z.Name, z.AvailableSlots, z.OccupiedSlots, z.TotalSlots, z.PricePerHour)
	}
	tw.Flush()

	sum := ledger.Summarize(zones)
	s.printf("%d of %d slots available\n", sum.AvailableSlots, sum.TotalSlots)
}

func (s *Shell) handleSlots(parts []string) {
	if len(parts) != 2 {
		s.println("Usage: slots <zone>")
		return
	}
	zoneID := parts[1]
	if _, ok := s.svc.Ledger().Zone(zoneID); !ok {
		s.printf("Error: %s\n", ledger.ErrZoneNotFound)
		return
	}
	s.printSlots(s.svc.Ledger().SlotsByZone(zoneID))
}

func (s *Shell) handleAvailable(parts []string) {
	if len(parts) > 2 {
		s.println("Usage: available [zone]")
		return
	}
	zoneID := ""
	if len(parts) == 2 {
		zoneID = parts[1]
	}
	s.printSlots(s.svc.Ledger().AvailableSlots(zoneID))
}

func (s *Shell) printSlots(slots []ledger.Slot) {
	if len(slots) == 0 {
		s.println("No slots")
		return
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Slot\tZone\tStatus\tType")
	for _, sl := range slots {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", sl.ID, sl.ZoneID, sl.Status, sl.Type)
	}
	tw.Flush()
}

func (s *Shell) handleBook(ctx context.Context, parts []string) {
	if len(parts) != 2 && len(parts) != 5 {
		s.println("Usage: book <slot> [vehicle entry exit]")
		return
	}

	var in reconcile.BookingInput
	if len(parts) == 5 {
		var err error
		in, err = s.stay(parts[2], parts[3], parts[4])
		if err != nil {
			s.printf("Error: %s\n", err)
			return
		}
	}

	out, err := s.svc.Book(ctx, parts[1], in)
	if err != nil {
		markFailed(ctx, err)
		s.printf("Error: %s\n", err)
		return
	}

	s.printf("Booked slot %s, zone %s now has %d available\n",
		out.Transition.SlotID, out.Transition.ZoneID, out.Transition.Zone.AvailableSlots)
	if out.Quote != nil {
		s.printQuote(*out.Quote)
	}
	if out.Ticket != nil {
		s.printf("Ticket: %s\n", out.Ticket.Code)
	}
}

func (s *Shell) handleRelease(ctx context.Context, parts []string) {
	if len(parts) != 2 {
		s.println("Usage: release <slot>")
		return
	}

	out, err := s.svc.Release(ctx, parts[1])
	if err != nil {
		markFailed(ctx, err)
		s.printf("Error: %s\n", err)
		return
	}

	s.printf("Released slot %s, zone %s now has %d available\n",
		out.Transition.SlotID, out.Transition.ZoneID, out.Transition.Zone.AvailableSlots)
}

func (s *Shell) handleFare(parts []string) {
	if len(parts) != 5 {
		s.println("Usage: fare <zone> <vehicle> <entry> <exit>")
		return
	}

	in, err := s.stay(parts[2], parts[3], parts[4])
	if err != nil {
		s.printf("Error: %s\n", err)
		return
	}
	q, err := s.svc.Quote(parts[1], in.Vehicle, in.Entry, in.Exit)
	if err != nil {
		s.printf("Error: %s\n", err)
		return
	}
	s.printQuote(q)
}

func (s *Shell) printQuote(q fare.Quote) {
	s.printf("%d h x %.2f = %.2f, GST %.2f, total %.2f, deposit %.2f, due at exit %.2f\n",
		q.DurationHours, q.RatePerHour, q.Base, q.Tax, q.Total, q.Deposit, q.BalanceDue)
}

func (s *Shell) handlePending() {
	pending := s.svc.Ledger().Pending()
	if len(pending) == 0 {
		s.println("No pending operations")
		return
	}
	for _, op := range pending {
		s.printf("%s\t%s\t%s\t%s\n", op.ID, op.Kind, op.SlotID, op.CreatedAt.Format(time.RFC3339))
	}
}

func (s *Shell) handleVerify() {
	if err := s.svc.Ledger().Verify(); err != nil {
		s.printf("Inconsistent:\n%s\n", err)
		return
	}
	s.println("Ledger is consistent")
}

func (s *Shell) handleSync(ctx context.Context) {
	src, err := s.svc.Seed(ctx)
	if err != nil {
		markFailed(ctx, err)
		s.printf("Error: %s\n", err)
		return
	}
	s.printf("Ledger reloaded from %s\n", src)
}

func (s *Shell) stay(vehicle, entry, exit string) (reconcile.BookingInput, error) {
	v, err := fare.ParseVehicle(vehicle)
	if err != nil {
		return reconcile.BookingInput{}, err
	}
	day := s.now()
	in := reconcile.BookingInput{Vehicle: v}
	if in.Entry, err = fare.ParseClock(entry, day); err != nil {
		return reconcile.BookingInput{}, err
	}
	if in.Exit, err = fare.ParseClock(exit, day); err != nil {
		return reconcile.BookingInput{}, err
	}
	return in, nil
}

func markFailed(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (s *Shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

func (s *Shell) println(line string) {
	fmt.Fprintln(s.out, line)
}
