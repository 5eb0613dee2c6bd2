package server

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"parking-ledger/internal/fare"
	"parking-ledger/internal/ledger"
	"parking-ledger/internal/reconcile"
)

type Meta struct {
	TraceID   string `json:"trace_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Meta    *Meta  `json:"meta,omitempty"`
}

type HealthResponse struct {
	Status       string `json:"status"`
	Service      string `json:"service"`
	Mode         string `json:"mode"`
	BreakerState string `json:"breaker_state,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`
}

// BookRequest is optional on booking. Without a vehicle type the slot is
// booked without a fare quote. Times are RFC 3339 or "HH:MM" for today.
type BookRequest struct {
	VehicleType string `json:"vehicle_type"`
	Entry       string `json:"entry"`
	Exit        string `json:"exit"`
}

type QuoteRequest struct {
	VehicleType string `json:"vehicle_type"`
	ZoneID      string `json:"zone_id"`
	Entry       string `json:"entry"`
	Exit        string `json:"exit"`
}

type ZonesResponse struct {
	Zones   []ledger.Zone  `json:"zones"`
	Summary ledger.Summary `json:"summary"`
}

type ZoneResponse struct {
	Zone          ledger.Zone `json:"zone"`
	OccupancyRate float64     `json:"occupancy_rate"`
}

type SlotsResponse struct {
	ZoneID string        `json:"zone_id,omitempty"`
	Count  int           `json:"count"`
	Slots  []ledger.Slot `json:"slots"`
}

type QuoteResponse struct {
	ZoneID string     `json:"zone_id"`
	Quote  fare.Quote `json:"quote"`
}

type SyncResponse struct {
	Source  reconcile.Source `json:"source"`
	Summary ledger.Summary   `json:"summary"`
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func extractMeta(ctx context.Context) *Meta {
	meta := &Meta{}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		meta.TraceID = span.SpanContext().TraceID().String()
	}

	if reqID, ok := ctx.Value(RequestIDKey).(string); ok {
		meta.RequestID = reqID
	}

	return meta
}

func WriteSuccess(ctx context.Context, w http.ResponseWriter, message string, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success: true,
		Message: message,
		Data:    data,
		Meta:    extractMeta(ctx),
	})
}

func WriteError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, Response{
		Success: false,
		Error:   message,
		Meta:    extractMeta(ctx),
	})
}
