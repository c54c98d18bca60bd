// Package handlers provides the HTTP handlers of the prescription API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/medirx/rxcore/internal/api/middleware"
	"github.com/medirx/rxcore/internal/domain"
	"github.com/medirx/rxcore/internal/domain/identity"
	"github.com/medirx/rxcore/internal/fhir/r5"
)

// Response is the success envelope.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func writeJSON(w http.ResponseWriter, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{Code: code, Message: message, Data: data})
}

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrProfileNotFound), errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrAlreadyConsumed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error": message}. Unclassified errors are
// logged and rendered without detail.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code, message := resolve(r, logger, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeOutcome renders err as a FHIR OperationOutcome.
func writeOutcome(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code, message := resolve(r, logger, err)
	issue := "exception"
	switch code {
	case http.StatusBadRequest:
		issue = "invalid"
	case http.StatusForbidden:
		issue = "forbidden"
	case http.StatusNotFound:
		issue = "not-found"
	case http.StatusConflict:
		issue = "conflict"
	}
	w.Header().Set("Content-Type", fhirContentType)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(r5.NewErrorOutcome(issue, message))
}

func resolve(r *http.Request, logger *zap.Logger, err error) (int, string) {
	code := StatusFor(err)
	var de *domain.Error
	if errors.As(err, &de) && code != http.StatusInternalServerError {
		return code, de.Error()
	}
	if !errors.Is(err, domain.ErrInternal) {
		logger.Error("unhandled error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	return code, "internal server error"
}

const (
	maxBodyBytes    = 1 << 20
	fhirContentType = "application/fhir+json"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Validationf("request body is required")
		}
		return domain.Validationf("invalid request body: %v", err)
	}
	return nil
}

func principal(w http.ResponseWriter, r *http.Request) (identity.Principal, bool) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
	}
	return p, ok
}
