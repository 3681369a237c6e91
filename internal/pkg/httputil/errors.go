package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/invitehq/courier/internal/pkg/ctxlog"
)

// ErrorMapping pairs a dispatch domain error with its HTTP representation.
// Handlers declare their mapping tables once and route every error through
// HandleError.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // if empty, uses err.Error()
}

// HandleError resolves err against mappings. Unmapped errors are internal:
// they log through the request-scoped logger and surface as a plain 500 so
// store details never leak to API callers.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	for _, m := range mappings {
		if errors.Is(err, m.Error) {
			msg := m.Message
			if msg == "" {
				msg = err.Error()
			}
			Error(w, m.Status, msg)
			return
		}
	}
	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}
