package server

import (
	"context"
	"errors"
	"net/http"

	"parking-ledger/internal/backend"
	"parking-ledger/internal/fare"
	"parking-ledger/internal/ledger"
	"parking-ledger/internal/logging"
	"parking-ledger/internal/reconcile"
)

var errBadRequest = errors.New("bad request")

// statusFor maps domain errors to HTTP status codes. Backend failures are
// checked first since a failed rollback also carries a ledger error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, backend.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, reconcile.ErrBackendRejected):
		return http.StatusBadGateway

	case errors.Is(err, ledger.ErrSlotNotFound),
		errors.Is(err, ledger.ErrZoneNotFound),
		errors.Is(err, ledger.ErrPendingNotFound):
		return http.StatusNotFound

	case errors.Is(err, ledger.ErrSlotNotAvailable),
		errors.Is(err, ledger.ErrSlotAlreadyAvailable),
		errors.Is(err, ledger.ErrSlotReserved),
		errors.Is(err, ledger.ErrZoneCountersInconsistent),
		errors.Is(err, ledger.ErrPendingConflict):
		return http.StatusConflict

	case errors.Is(err, errBadRequest),
		errors.Is(err, fare.ErrExitNotAfterEntry),
		errors.Is(err, fare.ErrUnknownVehicle),
		errors.Is(err, fare.ErrInvalidClock):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.Error(ctx).Err(err).Int("status", status).Msg("request failed")
	}
	WriteError(ctx, w, status, err.Error())
}
