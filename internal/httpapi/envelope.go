package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/tuckersync/syncserver/internal/credential"
	"github.com/tuckersync/syncserver/internal/db"
	"github.com/tuckersync/syncserver/internal/metrics"
)

// Request types dispatched on the `type` query parameter.
const (
	typeTest          = "test"
	typeBaseDataDown  = "baseDataDown"
	typeSyncDown      = "syncDown"
	typeSyncUp        = "syncUp"
	typeAccountOpen   = "accountOpen"
	typeAccountClose  = "accountClose"
	typeAccountModify = "accountModify"
)

var knownTypes = map[string]bool{
	typeTest: true, typeBaseDataDown: true, typeSyncDown: true, typeSyncUp: true,
	typeAccountOpen: true, typeAccountClose: true, typeAccountModify: true,
}

var validate = validator.New()

func validEmail(email string) bool {
	return validate.Var(email, "required,email") == nil
}

// handleAPI is the single protocol entry point: envelope checks, then
// dispatch by request type.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	reqType := r.URL.Query().Get("type")

	resp, code := s.dispatch(r, reqType)

	label := reqType
	if !knownTypes[label] {
		label = "unknown"
	}
	metrics.RequestsTotal.WithLabelValues(label, strconv.Itoa(code)).Inc()

	writeJSON(w, http.StatusOK, resp)
}

func fail(code int) (any, int) {
	return apiError{Error: code}, code
}

func (s *Server) dispatch(r *http.Request, reqType string) (any, int) {
	q := r.URL.Query()

	key := q.Get("key")
	if key == "" {
		log.Warn().Msg("request without application key")
		return fail(CodeMalformedRequest)
	}
	if !s.Cfg.KeyAllowed(key) {
		log.Warn().Msg("request with unknown application key")
		return fail(CodeInvalidKey)
	}

	// A body without a JSON content type is malformed before we look at it.
	if r.ContentLength != 0 {
		mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mt != "application/json" {
			return fail(CodeMalformedRequest)
		}
	}

	switch reqType {
	case typeTest:
		return s.handleTest(r)
	case typeBaseDataDown:
		return s.handleBaseDataDown(r)
	case typeSyncDown:
		return s.handleSyncDown(r)
	case typeSyncUp:
		return s.handleSyncUp(r)
	case typeAccountOpen:
		return s.handleAccountOpen(r)
	case typeAccountClose:
		return s.handleAccountClose(r)
	case typeAccountModify:
		return s.handleAccountModify(r)
	default:
		// Covers absent, empty, whitespace, and stringified-null types.
		log.Warn().Str("type", reqType).Msg("unknown request type")
		return fail(CodeMalformedRequest)
	}
}

// decodeBody strictly parses the JSON request body: unknown fields and
// trailing data are rejected.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after json body")
	}
	return nil
}

// acquire checks a connection out of the pool. Each request holds exactly
// one connection and releases it before the response is written.
func (s *Server) acquire(r *http.Request) (*pgxpool.Conn, error) {
	conn, err := s.DB.Acquire(r.Context())
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return conn, nil
}

// authenticate verifies the query credentials on the request. The returned
// code is CodeSuccess, CodeAuthFail, or CodeInternalServerError; every
// credential-level cause collapses into AUTH_FAIL so callers cannot probe
// for known emails.
func (s *Server) authenticate(r *http.Request, q db.Querier) (credential.User, []credential.Client, int) {
	email := r.URL.Query().Get("email")
	password := r.URL.Query().Get("password")

	// Credential logging is gated at the source, not by log level.
	if s.Cfg.Production {
		log.Debug().Str("email", email).Msg("authenticating")
	} else {
		log.Debug().Str("email", email).Str("password", password).Msg("authenticating")
	}

	user, clients, err := credential.Authenticate(r.Context(), q, email, password)
	switch {
	case err == nil:
		return user, clients, CodeSuccess
	case errors.Is(err, credential.ErrAuthFail):
		return credential.User{}, nil, CodeAuthFail
	default:
		log.Error().Err(err).Msg("authentication query failed")
		return credential.User{}, nil, CodeInternalServerError
	}
}
