package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/VancouverCanada/openport/pkg/apierror"
)

// maxBodyBytes caps every request body.
const maxBodyBytes = 1 << 20

type okEnvelope struct {
	OK   bool   `json:"ok"`
	Code string `json:"code"`
	Data any    `json:"data"`
}

type errorEnvelope struct {
	OK      bool           `json:"ok"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// download is a handler result served as a raw body instead of an envelope.
type download struct {
	name        string
	contentType string
	data        []byte
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	if d, ok := data.(*download); ok {
		w.Header().Set("Content-Type", d.contentType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+d.name+`"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(d.data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(d.data)
		return
	}
	writeJSON(w, http.StatusOK, okEnvelope{OK: true, Code: apierror.CodeSuccess, Data: data})
}

// writeError renders err as a failure envelope. Errors without a code are
// logged and surface as an opaque internal error.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	coded, ok := apierror.From(err)
	if !ok {
		logger.ErrorContext(r.Context(), "internal error",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	if coded.Code == apierror.CodeRateLimited {
		if secs, ok := coded.Details["retryAfterSeconds"]; ok {
			w.Header().Set("Retry-After", fmt.Sprint(secs))
		}
	}
	writeJSON(w, coded.Status, errorEnvelope{
		OK:      false,
		Code:    coded.Code,
		Message: coded.Message,
		Details: coded.Details,
	})
}

// decodeJSON reads the request body into dst. An empty body is accepted
// only when optional is set.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apierror.New(http.StatusRequestEntityTooLarge, apierror.CodeValidation, "Request body too large")
		case errors.Is(err, io.EOF):
			if optional {
				return nil
			}
			return apierror.Validation("Request body required")
		default:
			return apierror.Validation("Invalid JSON body")
		}
	}
	if dec.More() {
		return apierror.Validation("Invalid JSON body")
	}
	return nil
}

// queryInt parses an optional integer query parameter. Absent means 0.
func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierror.Validation(name + " must be an integer")
	}
	return n, nil
}
