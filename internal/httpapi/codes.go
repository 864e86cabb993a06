package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Protocol error codes. These are stable integers on the wire; the HTTP
// status is 200 for every protocol outcome.
const (
	CodeSuccess             = 0
	CodeInternalServerError = 1
	CodeMalformedRequest    = 2
	CodeInvalidKey          = 3
	CodeInvalidEmail        = 4
	CodeInvalidPassword     = 5
	CodeAuthFail            = 6
	CodeInvalidJSONObject   = 7
	CodeEmailNotUnique      = 8
	CodeClientUUIDNotUnique = 9
	CodeFullSyncRequired    = 10
)

// apiError is the plain response envelope carrying only an error code.
type apiError struct {
	Error int `json:"error"`
}

// downResp is the envelope for download responses. Objects is always present,
// even when empty, so clients can distinguish "nothing new" from an error.
type downResp struct {
	Error              int              `json:"error"`
	Objects            []map[string]any `json:"objects"`
	CommittedSyncCount int64            `json:"committedSyncCount"`
}

// baseDataResp carries the seed dataset; it has no counter interaction.
type baseDataResp struct {
	Error   int              `json:"error"`
	Objects []map[string]any `json:"objects"`
}

// uploadAck confirms one uploaded object with server-authoritative values.
type uploadAck struct {
	ServerObjectID       int64 `json:"serverObjectId"`
	OriginClientObjectID int64 `json:"originClientObjectId"`
	LastSync             int64 `json:"lastSync"`
}

// upResp is the envelope for syncUp responses.
type upResp struct {
	Error              int         `json:"error"`
	Objects            []uploadAck `json:"objects"`
	CommittedSyncCount int64       `json:"committedSyncCount"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}
