package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"lnescrow/internal/invoice"
	"lnescrow/internal/pricing"
	"lnescrow/internal/services"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps the coordinator's error taxonomy onto HTTP codes:
// validation errors 400/404, authorization 403, state-guard violations 409,
// collaborator outages 503, everything else 500.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrUserNotFound),
		errors.Is(err, services.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrUserBanned),
		errors.Is(err, services.ErrNotAdmin),
		errors.Is(err, services.ErrNotYourOrder),
		errors.Is(err, services.ErrNotBuyer),
		errors.Is(err, services.ErrNotSeller),
		errors.Is(err, services.ErrNotCreator),
		errors.Is(err, services.ErrOwnOrder):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, services.ErrInvalidParams),
		errors.Is(err, services.ErrUsernameRequired),
		errors.Is(err, services.ErrInvoiceAmountMismatch),
		errors.Is(err, services.ErrInvoiceExpired),
		errors.Is(err, invoice.ErrNotPaymentRequest),
		errors.Is(err, invoice.ErrBadAmount),
		errors.Is(err, invoice.ErrTooShort),
		errors.Is(err, pricing.ErrUnknownCurrency):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrInvalidState),
		errors.Is(err, services.ErrAlreadyTaken),
		errors.Is(err, services.ErrNotTaken),
		errors.Is(err, services.ErrSellerHasFiatSent),
		errors.Is(err, services.ErrCoopCancelPending),
		errors.Is(err, services.ErrSellerAlreadyReleased),
		errors.Is(err, services.ErrPayoutAlreadyQueued):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pricing.ErrPriceUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
