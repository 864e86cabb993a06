package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tuckersync/syncserver/internal/config"
	"github.com/tuckersync/syncserver/internal/db"
	"github.com/tuckersync/syncserver/internal/objectclass"
)

const (
	testAppKey   = "test-key-0123456789"
	testEmail    = "sync@example.com"
	testPassword = "a-long-enough-password"
)

func testConfig() *config.Config {
	return &config.Config{
		AppKeys:             []string{testAppKey, "spare-key-9876543210"},
		PasswordMinLength:   14,
		SessionExpiryWindow: 80 * time.Minute,
	}
}

// newHandlerServer builds a Server with no database behind it, for envelope
// paths that fail before any query runs.
func newHandlerServer() *Server {
	return New(nil, testConfig(), objectclass.Default())
}

// newTestServer connects to TEST_DATABASE_URL, migrates, and starts from
// empty tables. Tests are skipped when no database is configured.
func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx, dbURL))

	pool, err := db.Open(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx,
		`TRUNCATE product, setting, clients, users, sync_count RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	srv := New(pool, testConfig(), objectclass.Default())
	t.Cleanup(srv.Close)
	return srv, srv.Routes()
}

// postAPI sends one protocol request. Query params carry the envelope; body,
// when non-nil, is marshalled as the JSON payload.
func postAPI(t *testing.T, router http.Handler, params map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()

	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(http.MethodPost, "/?"+q.Encode(), reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// authParams returns the envelope params for an authenticated request.
func authParams(reqType string) map[string]string {
	return map[string]string{
		"type":     reqType,
		"key":      testAppKey,
		"email":    testEmail,
		"password": testPassword,
	}
}

// decodeEnvelope parses a response body into the generic envelope map and
// checks the protocol error code.
func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder, wantCode int) map[string]any {
	t.Helper()

	require.Equal(t, http.StatusOK, w.Code, "protocol responses ride HTTP 200")

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "body: %s", w.Body.String())
	require.EqualValues(t, wantCode, resp["error"], "body: %s", w.Body.String())
	return resp
}

// openAccount registers the default test user with the given client UUID.
func openAccount(t *testing.T, router http.Handler, clientUUID string) {
	t.Helper()

	w := postAPI(t, router, map[string]string{
		"type":     typeAccountOpen,
		"key":      testAppKey,
		"email":    testEmail,
		"password": testPassword,
	}, map[string]any{"clientUUID": clientUUID})
	decodeEnvelope(t, w, CodeSuccess)
}

// respObjects pulls the objects array out of a decoded envelope.
func respObjects(t *testing.T, resp map[string]any) []map[string]any {
	t.Helper()

	raw, ok := resp["objects"].([]any)
	require.True(t, ok, "objects missing or not an array: %v", resp)

	objects := make([]map[string]any, 0, len(raw))
	for _, o := range raw {
		m, ok := o.(map[string]any)
		require.True(t, ok)
		objects = append(objects, m)
	}
	return objects
}
