package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"parking-ledger/internal/fare"
	"parking-ledger/internal/journal"
	"parking-ledger/internal/ledger"
	"parking-ledger/internal/logging"
	"parking-ledger/internal/reconcile"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	ForSlot(ctx context.Context, slotID string, limit int) ([]journal.Entry, error)
}

type Handler struct {
	svc          *reconcile.Service
	journal      JournalReader
	serviceName  string
	breakerState func() string
	now          func() time.Time
}

func NewHandler(svc *reconcile.Service, opts Options) *Handler {
	return &Handler{
		svc:          svc,
		journal:      opts.Journal,
		serviceName:  opts.ServiceName,
		breakerState: opts.BreakerState,
		now:          time.Now,
	}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Service: h.serviceName,
		Mode:    "online",
		Meta:    extractMeta(r.Context()),
	}
	if h.svc.Offline() {
		resp.Mode = "offline"
	}
	if h.breakerState != nil {
		resp.BreakerState = h.breakerState()
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListZones(w http.ResponseWriter, r *http.Request) {
	zones := h.svc.Ledger().Zones()
	WriteSuccess(r.Context(), w, "Zones retrieved successfully", ZonesResponse{
		Zones:   zones,
		Summary: ledger.Summarize(zones),
	})
}

func (h *Handler) GetZone(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	zoneID := chi.URLParam(r, "zoneID")

	zone, ok := h.svc.Ledger().Zone(zoneID)
	if !ok {
		writeDomainError(ctx, w, fmt.Errorf("%w: %s", ledger.ErrZoneNotFound, zoneID))
		return
	}

	WriteSuccess(ctx, w, "Zone retrieved successfully", ZoneResponse{
		Zone:          zone,
		OccupancyRate: zone.OccupancyRate(),
	})
}

func (h *Handler) ListZoneSlots(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	zoneID := chi.URLParam(r, "zoneID")

	if _, ok := h.svc.Ledger().Zone(zoneID); !ok {
		writeDomainError(ctx, w, fmt.Errorf("%w: %s", ledger.ErrZoneNotFound, zoneID))
		return
	}

	slots := h.svc.Ledger().SlotsByZone(zoneID)
	WriteSuccess(ctx, w, "Slots retrieved successfully", SlotsResponse{
		ZoneID: zoneID,
		Count:  len(slots),
		Slots:  slots,
	})
}

// QuerySlots serves /api/slots?zone=&available=true.
func (h *Handler) QuerySlots(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	zoneID := r.URL.Query().Get("zone")

	availableOnly := false
	if raw := r.URL.Query().Get("available"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			WriteError(ctx, w, http.StatusBadRequest, "available must be true or false")
			return
		}
		availableOnly = v
	}

	l := h.svc.Ledger()
	if zoneID != "" {
		if _, ok := l.Zone(zoneID); !ok {
			writeDomainError(ctx, w, fmt.Errorf("%w: %s", ledger.ErrZoneNotFound, zoneID))
			return
		}
	}

	var slots []ledger.Slot
	switch {
	case availableOnly:
		slots = l.AvailableSlots(zoneID)
	case zoneID != "":
		slots = l.SlotsByZone(zoneID)
	default:
		slots = l.Snapshot().Slots
	}
	if slots == nil {
		slots = []ledger.Slot{}
	}

	WriteSuccess(ctx, w, "Slots retrieved successfully", SlotsResponse{
		ZoneID: zoneID,
		Count:  len(slots),
		Slots:  slots,
	})
}

func (h *Handler) BookSlot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slotID := chi.URLParam(r, "slotID")

	var req BookRequest
	if err := decodeOptional(r, &req); err != nil {
		WriteError(ctx, w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var in reconcile.BookingInput
	if req.VehicleType != "" {
		var err error
		in, err = h.bookingInput(req.VehicleType, req.Entry, req.Exit)
		if err != nil {
			writeDomainError(ctx, w, err)
			return
		}
	}

	out, err := h.svc.Book(ctx, slotID, in)
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}

	logging.Info(ctx).
		Str("slotId", slotID).
		Str("zoneId", out.Transition.ZoneID).
		Str("opId", out.OpID).
		Msg("slot booked")

	WriteSuccess(ctx, w, "Slot booked successfully", out)
}

func (h *Handler) ReleaseSlot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slotID := chi.URLParam(r, "slotID")

	out, err := h.svc.Release(ctx, slotID)
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}

	logging.Info(ctx).
		Str("slotId", slotID).
		Str("zoneId", out.Transition.ZoneID).
		Str("opId", out.OpID).
		Msg("slot released")

	WriteSuccess(ctx, w, "Slot released successfully", out)
}

func (h *Handler) QuoteFare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(ctx, w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ZoneID == "" || req.VehicleType == "" {
		WriteError(ctx, w, http.StatusBadRequest, "zone_id and vehicle_type are required")
		return
	}

	in, err := h.bookingInput(req.VehicleType, req.Entry, req.Exit)
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}

	q, err := h.svc.Quote(req.ZoneID, in.Vehicle, in.Entry, in.Exit)
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}

	WriteSuccess(ctx, w, "Fare quoted successfully", QuoteResponse{ZoneID: req.ZoneID, Quote: q})
}

func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	pending := h.svc.Ledger().Pending()
	if pending == nil {
		pending = []ledger.PendingOp{}
	}
	WriteSuccess(r.Context(), w, "Pending operations retrieved successfully", pending)
}

func (h *Handler) ListJournal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, ok := journalLimit(w, r)
	if !ok {
		return
	}
	if h.journal == nil {
		WriteSuccess(ctx, w, "Journal disabled", []journal.Entry{})
		return
	}

	entries, err := h.journal.Recent(ctx, limit)
	h.writeJournal(w, r, entries, err)
}

// ListSlotJournal returns the recorded transitions of one slot, newest first.
func (h *Handler) ListSlotJournal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slotID := chi.URLParam(r, "slotID")

	limit, ok := journalLimit(w, r)
	if !ok {
		return
	}
	if _, found := h.svc.Ledger().Slot(slotID); !found {
		writeDomainError(ctx, w, fmt.Errorf("%w: %s", ledger.ErrSlotNotFound, slotID))
		return
	}
	if h.journal == nil {
		WriteSuccess(ctx, w, "Journal disabled", []journal.Entry{})
		return
	}

	entries, err := h.journal.ForSlot(ctx, slotID, limit)
	h.writeJournal(w, r, entries, err)
}

func (h *Handler) writeJournal(w http.ResponseWriter, r *http.Request, entries []journal.Entry, err error) {
	ctx := r.Context()
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	WriteSuccess(ctx, w, "Journal retrieved successfully", entries)
}

func journalLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultJournalLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		WriteError(r.Context(), w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxJournalLimit), true
}

func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	src, err := h.svc.Seed(ctx)
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}

	zones := h.svc.Ledger().Zones()

	WriteSuccess(ctx, w, "Ledger synchronized", SyncResponse{
		Source:  src,
		Summary: ledger.Summarize(zones),
	})
}

func (h *Handler) bookingInput(vehicleType, entry, exit string) (reconcile.BookingInput, error) {
	v, err := fare.ParseVehicle(vehicleType)
	if err != nil {
		return reconcile.BookingInput{}, err
	}
	now := h.now()
	in := reconcile.BookingInput{Vehicle: v}
	if in.Entry, err = parseStayTime(entry, now); err != nil {
		return reconcile.BookingInput{}, err
	}
	if in.Exit, err = parseStayTime(exit, now); err != nil {
		return reconcile.BookingInput{}, err
	}
	return in, nil
}

// parseStayTime accepts RFC 3339 timestamps or a booking-form "HH:MM" clock
// on the given day.
func parseStayTime(s string, day time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return fare.ParseClock(s, day)
}

// decodeOptional decodes a JSON body, treating an empty body as zero value.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
