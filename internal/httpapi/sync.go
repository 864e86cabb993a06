package httpapi

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/tuckersync/syncserver/internal/credential"
	"github.com/tuckersync/syncserver/internal/metrics"
	"github.com/tuckersync/syncserver/internal/objectclass"
)

// syncDownReq is the body shared by baseDataDown and syncDown.
type syncDownReq struct {
	ObjectClass string `json:"objectClass"`
	ClientUUID  string `json:"clientUUID"`
	LastSync    int64  `json:"lastSync"`
}

// syncUpReq is the body for syncUp. Objects stay raw maps until the class
// descriptor validates them.
type syncUpReq struct {
	ObjectClass string           `json:"objectClass"`
	ClientUUID  string           `json:"clientUUID"`
	Objects     []map[string]any `json:"objects"`
}

// handleBaseDataDown serves the unowned seed dataset. No authentication and
// no counter interaction: seed rows are outside the sync window.
func (s *Server) handleBaseDataDown(r *http.Request) (any, int) {
	var req syncDownReq
	if err := decodeBody(r, &req); err != nil {
		log.Warn().Err(err).Msg("baseDataDown: bad body")
		return fail(CodeMalformedRequest)
	}
	desc, ok := s.Registry.Lookup(req.ObjectClass)
	if !ok {
		log.Warn().Str("object_class", req.ObjectClass).Msg("baseDataDown: unknown object class")
		return fail(CodeMalformedRequest)
	}

	conn, err := s.acquire(r)
	if err != nil {
		log.Error().Err(err).Msg("baseDataDown: no connection")
		return fail(CodeInternalServerError)
	}
	defer conn.Release()

	rows, err := conn.Query(r.Context(), desc.SelectSeedSQL())
	if err != nil {
		log.Error().Err(err).Msg("baseDataDown: query failed")
		return fail(CodeInternalServerError)
	}
	objects, err := objectclass.ScanRows(rows)
	if err != nil {
		log.Error().Err(err).Msg("baseDataDown: scan failed")
		return fail(CodeInternalServerError)
	}

	return baseDataResp{Error: CodeSuccess, Objects: objects}, CodeSuccess
}

func (s *Server) handleSyncDown(r *http.Request) (any, int) {
	var req syncDownReq
	if err := decodeBody(r, &req); err != nil {
		log.Warn().Err(err).Msg("syncDown: bad body")
		return fail(CodeMalformedRequest)
	}
	if req.LastSync < 0 {
		return fail(CodeMalformedRequest)
	}
	desc, ok := s.Registry.Lookup(req.ObjectClass)
	if !ok {
		log.Warn().Str("object_class", req.ObjectClass).Msg("syncDown: unknown object class")
		return fail(CodeMalformedRequest)
	}

	conn, err := s.acquire(r)
	if err != nil {
		log.Error().Err(err).Msg("syncDown: no connection")
		return fail(CodeInternalServerError)
	}
	defer conn.Release()

	user, _, code := s.resolveSession(r, conn, req.ClientUUID)
	if code != CodeSuccess {
		return fail(code)
	}

	committed, err := s.Engine.Committed(r.Context(), conn, desc.Name)
	if err != nil {
		log.Error().Err(err).Msg("syncDown: watermark failed")
		return fail(CodeInternalServerError)
	}

	// A resume point past the watermark means the server has discarded the
	// history the client is anchored to. The client must restart from zero.
	if req.LastSync > committed {
		log.Warn().Int64("last_sync", req.LastSync).Int64("committed", committed).
			Str("object_class", desc.Name).Msg("syncDown: client ahead of watermark")
		return fail(CodeFullSyncRequired)
	}

	rows, err := conn.Query(r.Context(), desc.SelectWindowSQL(), user.ID, req.LastSync, committed)
	if err != nil {
		log.Error().Err(err).Msg("syncDown: query failed")
		return fail(CodeInternalServerError)
	}
	objects, err := objectclass.ScanRows(rows)
	if err != nil {
		log.Error().Err(err).Msg("syncDown: scan failed")
		return fail(CodeInternalServerError)
	}

	return downResp{Error: CodeSuccess, Objects: objects, CommittedSyncCount: committed}, CodeSuccess
}

func (s *Server) handleSyncUp(r *http.Request) (any, int) {
	var req syncUpReq
	if err := decodeBody(r, &req); err != nil {
		log.Warn().Err(err).Msg("syncUp: bad body")
		return fail(CodeMalformedRequest)
	}
	desc, ok := s.Registry.Lookup(req.ObjectClass)
	if !ok {
		log.Warn().Str("object_class", req.ObjectClass).Msg("syncUp: unknown object class")
		return fail(CodeMalformedRequest)
	}

	conn, err := s.acquire(r)
	if err != nil {
		log.Error().Err(err).Msg("syncUp: no connection")
		return fail(CodeInternalServerError)
	}
	defer conn.Release()

	user, client, code := s.resolveSession(r, conn, req.ClientUUID)
	if code != CodeSuccess {
		return fail(code)
	}

	session, err := s.Engine.Reserve(r.Context(), conn, desc.Name)
	if err != nil {
		log.Error().Err(err).Msg("syncUp: reserve failed")
		return fail(CodeInternalServerError)
	}

	// Validate the whole batch before touching data so a bad object never
	// leaves a half-applied transaction behind.
	objs := make([]objectclass.Object, 0, len(req.Objects))
	for _, item := range req.Objects {
		obj, err := desc.Extract(item)
		if err != nil {
			log.Warn().Err(err).Str("object_class", desc.Name).Msg("syncUp: invalid object")
			s.Engine.MarkCommittedRetry(r.Context(), conn, session)
			return fail(CodeInvalidJSONObject)
		}
		objs = append(objs, obj)
	}

	acks, code := s.applyUpload(r, conn, desc, objs, client.ID, user.ID, session)
	if code != CodeSuccess {
		s.Engine.MarkCommittedRetry(r.Context(), conn, session)
		return fail(code)
	}

	metrics.UploadObjects.WithLabelValues(desc.Name).Add(float64(len(acks)))

	committed, err := s.Engine.Committed(r.Context(), conn, desc.Name)
	if err != nil {
		log.Error().Err(err).Msg("syncUp: watermark failed")
		return fail(CodeInternalServerError)
	}

	return upResp{Error: CodeSuccess, Objects: acks, CommittedSyncCount: committed}, CodeSuccess
}

// applyUpload writes the batch and the session commit mark in one data
// transaction. The acks carry server-authoritative ids and sync counts.
func (s *Server) applyUpload(r *http.Request, conn *pgxpool.Conn, desc objectclass.Descriptor,
	objs []objectclass.Object, clientID, userID, session int64) ([]uploadAck, int) {

	ctx := r.Context()
	tx, err := conn.Begin(ctx)
	if err != nil {
		log.Error().Err(err).Msg("syncUp: begin failed")
		return nil, CodeInternalServerError
	}
	defer tx.Rollback(ctx)

	acks := make([]uploadAck, 0, len(objs))
	for _, obj := range objs {
		_, err := tx.Exec(ctx, desc.UpsertSQL(), desc.UpsertParams(obj, clientID, userID, session)...)
		if err != nil {
			log.Error().Err(err).Str("object_class", desc.Name).Msg("syncUp: upsert failed")
			return nil, CodeInternalServerError
		}

		ack := uploadAck{OriginClientObjectID: obj.OriginClientObjectID}
		err = tx.QueryRow(ctx, desc.SelectAckSQL(),
			obj.OriginClientID, obj.OriginClientObjectID, userID).
			Scan(&ack.ServerObjectID, &ack.LastSync)
		switch {
		case err == nil:
			acks = append(acks, ack)
		case errors.Is(err, pgx.ErrNoRows):
			// Conflicted with a row the user does not own: a forged or stale
			// origin pair. Nothing was written for it.
			log.Warn().Int64("origin_client_id", obj.OriginClientID).
				Int64("origin_client_object_id", obj.OriginClientObjectID).
				Msg("syncUp: origin pair owned elsewhere")
			return nil, CodeInvalidJSONObject
		default:
			log.Error().Err(err).Msg("syncUp: ack read failed")
			return nil, CodeInternalServerError
		}
	}

	// The commit mark rides the data transaction so the counter can never
	// show committed data that is not visible, or the reverse.
	if err := s.Engine.MarkCommitted(ctx, tx, session); err != nil {
		log.Error().Err(err).Msg("syncUp: commit mark failed")
		return nil, CodeInternalServerError
	}

	if err := tx.Commit(ctx); err != nil {
		log.Error().Err(err).Msg("syncUp: commit failed")
		return nil, CodeInternalServerError
	}
	return acks, CodeSuccess
}

// resolveSession authenticates the request and binds its client UUID to the
// account, registering the device on first contact.
func (s *Server) resolveSession(r *http.Request, conn *pgxpool.Conn, clientUUID string) (credential.User, credential.Client, int) {
	user, _, code := s.authenticate(r, conn)
	if code != CodeSuccess {
		return credential.User{}, credential.Client{}, code
	}

	cu, err := uuid.Parse(clientUUID)
	if err != nil {
		return credential.User{}, credential.Client{}, CodeMalformedRequest
	}

	client, err := credential.ResolveClient(r.Context(), conn, user.ID, cu)
	switch {
	case err == nil:
		return user, client, CodeSuccess
	case errors.Is(err, credential.ErrClientUUIDNotUnique):
		return credential.User{}, credential.Client{}, CodeClientUUIDNotUnique
	default:
		log.Error().Err(err).Msg("client resolution failed")
		return credential.User{}, credential.Client{}, CodeInternalServerError
	}
}
