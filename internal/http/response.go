package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/fjod/tableorder/internal/domain"
	"github.com/go-playground/validator/v10"
)

// retryAfterSeconds is sent with every retryable failure.
const retryAfterSeconds = "1"

type ErrorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code,omitempty"`
	Details   string            `json:"details,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", slog.Any("error", err))
	}
}

func respondError(w http.ResponseWriter, status int, code, message, details string) {
	respondJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}

// statusFor maps an engine error onto an HTTP status.
func statusFor(err error) int {
	switch domain.Class(err) {
	case domain.ClassValidation:
		return http.StatusBadRequest
	case domain.ClassNotFound:
		return http.StatusNotFound
	case domain.ClassTransient:
		return http.StatusServiceUnavailable
	case domain.ClassDurable:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// handleError writes err as an ErrorResponse. Internal errors are logged
// and reported without their cause.
func handleError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	status := statusFor(err)

	var de *domain.Error
	if status == http.StatusInternalServerError || !errors.As(err, &de) {
		log.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "INTERNAL", "internal server error", "")
		return
	}

	if status >= http.StatusInternalServerError {
		log.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("error", err))
	} else {
		log.DebugContext(r.Context(), "request rejected", slog.String("code", string(de.Code)), slog.Any("error", err))
	}

	retryable := domain.Retryable(err)
	if retryable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	resp := ErrorResponse{
		Error:     de.Message,
		Code:      string(de.Code),
		Metadata:  de.Metadata,
		Retryable: retryable,
	}
	if de.Cause != nil && status < http.StatusInternalServerError && status != http.StatusConflict {
		resp.Details = de.Cause.Error()
	}
	respondJSON(w, status, resp)
}

// decodeBody reads an optional JSON body into dst and validates it. An
// empty body is accepted.
func decodeBody(r *http.Request, v *validator.Validate, dst any) error {
	if r.Body != nil && r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			return domain.Wrap(domain.CodeInvalidArgument, "invalid JSON body", err)
		}
	}
	if err := v.Struct(dst); err != nil {
		return domain.WithMetadata(domain.CodeInvalidArgument, "validation failed", validationErrorsToMap(err))
	}
	return nil
}

// NewValidator reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationErrorsToMap(err error) map[string]string {
	out := map[string]string{}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			out[fe.Field()] = fe.Tag()
		}
	} else {
		out["error"] = err.Error()
	}
	return out
}
