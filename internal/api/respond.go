package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/schema"

	"pairs-analytics/internal/analytics"
	"pairs-analytics/internal/model"
	"pairs-analytics/internal/store/sqlite"
)

type errorResponse struct {
	Type string `json:"type"`
	Msg  string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errType, msg string) {
	writeJSON(w, code, errorResponse{Type: errType, Msg: msg})
}

// writeErr maps domain errors to status codes.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sqlite.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, errBadRequest),
		errors.Is(err, model.ErrInvalidTimeframe),
		errors.Is(err, model.ErrUnknownMetric),
		errors.Is(err, model.ErrUnknownCondition),
		errors.Is(err, model.ErrInvalidPair),
		errors.Is(err, analytics.ErrUnknownMethod),
		errors.Is(err, analytics.ErrInvalidWindow):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

var errBadRequest = errors.New("bad request")

var instrumentRe = regexp.MustCompile(`^[a-z0-9]{2,32}$`)

func parseInstrument(raw string) (string, error) {
	inst := strings.ToLower(strings.TrimSpace(raw))
	if !instrumentRe.MatchString(inst) {
		return "", fmt.Errorf("%w: invalid instrument %q", errBadRequest, raw)
	}
	return inst, nil
}

var decoder = newDecoder()

func newDecoder() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	d.RegisterConverter(time.Time{}, convertTime)
	return d
}

// convertTime accepts RFC 3339 or Unix milliseconds.
func convertTime(v string) reflect.Value {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return reflect.ValueOf(time.UnixMilli(ms).UTC())
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return reflect.ValueOf(t)
	}
	return reflect.Value{}
}

// decodeQuery fills dst from the URL query. Fields missing from the query
// keep the values dst already holds, so callers pre-fill defaults.
func decodeQuery(r *http.Request, dst any) error {
	if err := decoder.Decode(dst, r.URL.Query()); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
