package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

// Envelope tests exercise the paths that resolve before any query runs, so
// they need no database.

func TestWelcomePage(t *testing.T) {
	router := newHandlerServer().Routes()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET / status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != welcomeBody {
		t.Errorf("GET / body = %q, want %q", got, welcomeBody)
	}
}

func TestHealthz(t *testing.T) {
	router := newHandlerServer().Routes()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /healthz status = %d, want 200", w.Code)
	}
}

func TestWrongMethod(t *testing.T) {
	router := newHandlerServer().Routes()

	for _, method := range []string{http.MethodPut, http.MethodDelete, http.MethodPatch} {
		req := httptest.NewRequest(method, "/", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s / status = %d, want 405", method, w.Code)
		}
		if allow := w.Header().Get("Allow"); allow != http.MethodPost {
			t.Errorf("%s / Allow = %q, want POST", method, allow)
		}
	}
}

func TestTrailingSlashRedirect(t *testing.T) {
	router := newHandlerServer().Routes()

	req := httptest.NewRequest(http.MethodGet, "/anything/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusSeeOther {
		t.Fatalf("GET /anything/ status = %d, want 303", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/anything" {
		t.Errorf("Location = %q, want /anything", loc)
	}
}

func TestEnvelopeErrors(t *testing.T) {
	router := newHandlerServer().Routes()

	tests := []struct {
		name     string
		params   map[string]string
		body     any
		rawBody  string
		wantCode int
	}{
		{
			name:     "missing key",
			params:   map[string]string{"type": typeTest},
			wantCode: CodeMalformedRequest,
		},
		{
			name:     "unknown key",
			params:   map[string]string{"type": typeTest, "key": "not-on-the-list"},
			wantCode: CodeInvalidKey,
		},
		{
			name:     "missing type",
			params:   map[string]string{"key": testAppKey},
			wantCode: CodeMalformedRequest,
		},
		{
			name:     "whitespace type",
			params:   map[string]string{"type": "  ", "key": testAppKey},
			wantCode: CodeMalformedRequest,
		},
		{
			name:     "stringified null type",
			params:   map[string]string{"type": "None", "key": testAppKey},
			wantCode: CodeMalformedRequest,
		},
		{
			name:     "case sensitive type",
			params:   map[string]string{"type": "SyncDown", "key": testAppKey},
			wantCode: CodeMalformedRequest,
		},
		{
			name:     "accountOpen invalid email",
			params:   map[string]string{"type": typeAccountOpen, "key": testAppKey, "email": "not-an-email", "password": testPassword},
			wantCode: CodeInvalidEmail,
		},
		{
			name:     "accountOpen short password",
			params:   map[string]string{"type": typeAccountOpen, "key": testAppKey, "email": testEmail, "password": "short"},
			wantCode: CodeInvalidPassword,
		},
		{
			name:     "accountOpen password one under minimum",
			params:   map[string]string{"type": typeAccountOpen, "key": testAppKey, "email": testEmail, "password": "exactly-13-ch"},
			wantCode: CodeInvalidPassword,
		},
		{
			// 8 characters, 16 bytes: length is counted in characters.
			name:     "accountOpen multibyte password under minimum",
			params:   map[string]string{"type": typeAccountOpen, "key": testAppKey, "email": testEmail, "password": "öööööööö"},
			wantCode: CodeInvalidPassword,
		},
		{
			name:     "accountOpen bad client uuid",
			params:   map[string]string{"type": typeAccountOpen, "key": testAppKey, "email": testEmail, "password": testPassword},
			body:     map[string]any{"clientUUID": "not-a-uuid"},
			wantCode: CodeMalformedRequest,
		},
		{
			name:     "accountOpen unknown body field",
			params:   map[string]string{"type": typeAccountOpen, "key": testAppKey, "email": testEmail, "password": testPassword},
			body:     map[string]any{"clientUUID": "c1d9b7dc-a1b2-4c3d-9e8f-7a6b5c4d3e2f", "extra": true},
			wantCode: CodeMalformedRequest,
		},
		{
			name:     "baseDataDown unknown object class",
			params:   map[string]string{"type": typeBaseDataDown, "key": testAppKey},
			body:     map[string]any{"objectClass": "Widget"},
			wantCode: CodeMalformedRequest,
		},
		{
			name:     "syncDown truncated body",
			params:   map[string]string{"type": typeSyncDown, "key": testAppKey},
			rawBody:  `{"objectClass": "Produ`,
			wantCode: CodeMalformedRequest,
		},
		{
			name:     "syncDown negative lastSync",
			params:   map[string]string{"type": typeSyncDown, "key": testAppKey},
			body:     map[string]any{"objectClass": "Product", "lastSync": -1},
			wantCode: CodeMalformedRequest,
		},
		{
			name:     "syncUp unknown object class",
			params:   map[string]string{"type": typeSyncUp, "key": testAppKey},
			body:     map[string]any{"objectClass": "Widget", "objects": []any{}},
			wantCode: CodeMalformedRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w *httptest.ResponseRecorder
			if tt.rawBody != "" {
				w = postRaw(t, router, tt.params, tt.rawBody, "application/json")
			} else {
				w = postAPI(t, router, tt.params, tt.body)
			}
			decodeEnvelope(t, w, tt.wantCode)
		})
	}
}

// Decoding a documented request body and re-encoding it must not lose or
// alter fields.
func TestRequestBodiesRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		body string
		v    any
	}{
		{
			name: "accountOpen",
			body: `{"clientUUID":"c1d9b7dc-a1b2-4c3d-9e8f-7a6b5c4d3e2f"}`,
			v:    &accountOpenReq{},
		},
		{
			name: "accountModify",
			body: `{"email":"new@example.com","password":"a-long-enough-password"}`,
			v:    &accountModifyReq{},
		},
		{
			name: "syncDown",
			body: `{"objectClass":"Product","clientUUID":"c1d9b7dc-a1b2-4c3d-9e8f-7a6b5c4d3e2f","lastSync":42}`,
			v:    &syncDownReq{},
		},
		{
			name: "syncUp",
			body: `{"objectClass":"Setting","clientUUID":"c1d9b7dc-a1b2-4c3d-9e8f-7a6b5c4d3e2f","objects":[{"originClientId":1,"originClientObjectId":2,"name":"theme","value":"dark","deleted":false}]}`,
			v:    &syncUpReq{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := json.Unmarshal([]byte(tt.body), tt.v); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			out, err := json.Marshal(tt.v)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}

			var want, got map[string]any
			if err := json.Unmarshal([]byte(tt.body), &want); err != nil {
				t.Fatalf("unmarshal original: %v", err)
			}
			if err := json.Unmarshal(out, &got); err != nil {
				t.Fatalf("unmarshal re-encoded: %v", err)
			}
			if !reflect.DeepEqual(want, got) {
				t.Errorf("round trip changed the body:\n  in:  %s\n  out: %s", tt.body, out)
			}
		})
	}
}

func TestBodyRequiresJSONContentType(t *testing.T) {
	router := newHandlerServer().Routes()

	w := postRaw(t, router, map[string]string{"type": typeSyncDown, "key": testAppKey},
		`{"objectClass":"Product"}`, "text/plain")
	decodeEnvelope(t, w, CodeMalformedRequest)
}

func postRaw(t *testing.T, router http.Handler, params map[string]string, body, contentType string) *httptest.ResponseRecorder {
	t.Helper()

	target := "/?"
	for k, v := range params {
		target += k + "=" + v + "&"
	}
	req := httptest.NewRequest(http.MethodPost, strings.TrimSuffix(target, "&"), strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}
