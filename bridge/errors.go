package bridge

import (
	"errors"
	"net/http"

	"github.com/tachyon-beep/lighthouse-sub002/infrastructure/httputil"

	lherrors "github.com/tachyon-beep/lighthouse-sub002/infrastructure/errors"
	"github.com/tachyon-beep/lighthouse-sub002/infrastructure/redaction"
)

// errorRedactor sanitizes a ServiceError's Details before it reaches the
// HTTP boundary (spec.md §7: the response must never leak an internal
// path, credential, or stack trace). Details commonly wrap a lower-level
// error's message verbatim (e.g. a malformed policy file's parse error),
// which can incidentally echo back a value the caller's own request body
// supplied.
var errorRedactor = redaction.NewRedactor(redaction.DefaultConfig())

// errDegraded marks the event_store health check failed because the
// integrity monitor tripped (spec.md §4.5, §7: "the process must ...
// surface status=degraded").
var errDegraded = errors.New("event store integrity monitor reports degraded")

// isAuthFailure reports whether code is one of the AuthError subvariants (spec.md §7): "For any
// auth failure, the response is uniform ('unauthorized') to avoid leaking
// which check failed."
func isAuthFailure(code lherrors.ErrorCode) bool {
	switch code {
	case lherrors.ErrCodeUnauthorized, lherrors.ErrCodeInvalidToken, lherrors.ErrCodeTokenExpired,
		lherrors.ErrCodeInvalidSignature, lherrors.ErrCodeSessionExpired, lherrors.ErrCodeFingerprintMismatch:
		return true
	default:
		return false
	}
}

// writeError renders err at the HTTP boundary per spec.md §7: a stable
// code and a sanitized reason, never an internal path or stack trace.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	se := lherrors.GetServiceError(err)
	if se == nil {
		httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, string(lherrors.ErrCodeInternal), "internal error", nil)
		return
	}

	if isAuthFailure(se.Code) {
		httputil.WriteErrorResponse(w, r, http.StatusUnauthorized, string(lherrors.ErrCodeUnauthorized), "unauthorized", nil)
		return
	}

	// /event/store's Overloaded case carries a retry-after hint rather than
	// a bare 503 (spec.md §7).
	if se.Code == lherrors.ErrCodeOverloaded {
		w.Header().Set("Retry-After", "1")
	}

	details := interface{}(nil)
	if se.Details != nil {
		details = errorRedactor.RedactMap(se.Details)
	}
	httputil.WriteErrorResponse(w, r, se.HTTPStatus, string(se.Code), errorRedactor.RedactString(se.Message), details)
}
