package httpapi

import (
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tuckersync/syncserver/internal/credential"
)

// handleTest authenticates and reports the outcome. Clients use it as a
// connection and credential check.
func (s *Server) handleTest(r *http.Request) (any, int) {
	conn, err := s.acquire(r)
	if err != nil {
		log.Error().Err(err).Msg("test: no connection")
		return fail(CodeInternalServerError)
	}
	defer conn.Release()

	if _, _, code := s.authenticate(r, conn); code != CodeSuccess {
		return fail(code)
	}
	return fail(CodeSuccess)
}

// accountOpenReq is the body for accountOpen.
type accountOpenReq struct {
	ClientUUID string `json:"clientUUID"`
}

func (s *Server) handleAccountOpen(r *http.Request) (any, int) {
	q := r.URL.Query()
	email := q.Get("email")
	password := q.Get("password")

	if !validEmail(email) {
		return fail(CodeInvalidEmail)
	}
	// Length in characters, not bytes: a multibyte password must not get
	// credit for its encoding.
	if utf8.RuneCountInString(password) < s.Cfg.PasswordMinLength {
		return fail(CodeInvalidPassword)
	}

	var req accountOpenReq
	if err := decodeBody(r, &req); err != nil {
		log.Warn().Err(err).Msg("accountOpen: bad body")
		return fail(CodeMalformedRequest)
	}
	clientUUID, err := uuid.Parse(req.ClientUUID)
	if err != nil {
		return fail(CodeMalformedRequest)
	}

	verifier, err := credential.Hash(password, credential.CategoryUser)
	if err != nil {
		log.Error().Err(err).Msg("accountOpen: hash failed")
		return fail(CodeInternalServerError)
	}

	conn, err := s.acquire(r)
	if err != nil {
		log.Error().Err(err).Msg("accountOpen: no connection")
		return fail(CodeInternalServerError)
	}
	defer conn.Release()

	_, _, err = credential.CreateUser(r.Context(), conn, email, verifier, clientUUID)
	switch {
	case err == nil:
		return fail(CodeSuccess)
	case errors.Is(err, credential.ErrEmailNotUnique):
		return fail(CodeEmailNotUnique)
	case errors.Is(err, credential.ErrClientUUIDNotUnique):
		return fail(CodeClientUUIDNotUnique)
	default:
		log.Error().Err(err).Msg("accountOpen: create failed")
		return fail(CodeInternalServerError)
	}
}

func (s *Server) handleAccountClose(r *http.Request) (any, int) {
	conn, err := s.acquire(r)
	if err != nil {
		log.Error().Err(err).Msg("accountClose: no connection")
		return fail(CodeInternalServerError)
	}
	defer conn.Release()

	user, _, code := s.authenticate(r, conn)
	if code != CodeSuccess {
		return fail(code)
	}

	// Clients and owned object rows cascade at the schema level.
	if err := credential.DeleteUser(r.Context(), conn, user.Email); err != nil {
		log.Error().Err(err).Msg("accountClose: delete failed")
		return fail(CodeInternalServerError)
	}
	return fail(CodeSuccess)
}

// accountModifyReq is the body for accountModify. Empty fields leave the
// current value in place.
type accountModifyReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleAccountModify(r *http.Request) (any, int) {
	conn, err := s.acquire(r)
	if err != nil {
		log.Error().Err(err).Msg("accountModify: no connection")
		return fail(CodeInternalServerError)
	}
	defer conn.Release()

	user, _, code := s.authenticate(r, conn)
	if code != CodeSuccess {
		return fail(code)
	}

	var req accountModifyReq
	if err := decodeBody(r, &req); err != nil {
		log.Warn().Err(err).Msg("accountModify: bad body")
		return fail(CodeMalformedRequest)
	}

	if req.Email != "" && !validEmail(req.Email) {
		return fail(CodeInvalidEmail)
	}

	var verifier string
	if req.Password != "" {
		if utf8.RuneCountInString(req.Password) < s.Cfg.PasswordMinLength {
			return fail(CodeInvalidPassword)
		}
		if verifier, err = credential.Hash(req.Password, credential.CategoryUser); err != nil {
			log.Error().Err(err).Msg("accountModify: hash failed")
			return fail(CodeInternalServerError)
		}
	}

	err = credential.ModifyUser(r.Context(), conn, user.Email, req.Email, verifier)
	switch {
	case err == nil:
		return fail(CodeSuccess)
	case errors.Is(err, credential.ErrEmailNotUnique):
		return fail(CodeEmailNotUnique)
	default:
		log.Error().Err(err).Msg("accountModify: update failed")
		return fail(CodeInternalServerError)
	}
}
