package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lifelog/api/internal/auth"
	"lifelog/api/internal/coord"
	"lifelog/api/internal/engine"
	"lifelog/api/internal/mutators"
	"lifelog/api/internal/store"
)

type testEnv struct {
	service *Service
	handler http.Handler
	hub     *coord.Hub
}

func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	hub := coord.NewHub()
	eng := engine.New(store.NewMemoryStore(), mutators.NewRegistry(), engine.WithNotifier(hub))
	svc := New(auth.NewValidator(), eng, hub)
	opts = append([]ServerOption{WithHeartbeat(time.Hour)}, opts...)
	return &testEnv{service: svc, handler: NewHTTPServer(svc, "*", opts...).Handler(), hub: hub}
}

func tokenFor(t *testing.T, subject string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), subject, time.Hour)
	require.NoError(t, err)
	return token
}

// call sends a JSON request and decodes the JSON response into out when
// out is not nil.
func (e *testEnv) call(t *testing.T, method, path, token string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			payload.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&payload).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), out), rr.Body.String())
	}
	return rr
}

type errorBody struct {
	Code    string         `json:"code"`
	Error   string         `json:"error"`
	Details map[string]any `json:"details"`
}
