package app

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pullBody struct {
	LastMutationID        int64            `json:"lastMutationID"`
	LastMutationIDChanges map[string]int64 `json:"lastMutationIDChanges"`
	Cookie                *string          `json:"cookie"`
	Patch                 []struct {
		Op    string         `json:"op"`
		Key   string         `json:"key"`
		Value map[string]any `json:"value"`
	} `json:"patch"`
}

type pushBody struct {
	LastMutationID int64  `json:"lastMutationID"`
	Cookie         string `json:"cookie"`
}

func TestPushThenPullOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	token := tokenFor(t, "user-1")

	var pushed pushBody
	rr := env.call(t, http.MethodPost, "/api/replicache/push", token, `{
		"clientGroupID": "tasks",
		"clientID": "c1",
		"mutations": [{"id": 1, "name": "createTask", "args": {"id": "t1", "title": "Buy milk"}, "timestamp": 1700000000000}]
	}`, &pushed)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, int64(1), pushed.LastMutationID)
	assert.Equal(t, "1", pushed.Cookie)

	var pulled pullBody
	rr = env.call(t, http.MethodPost, "/api/replicache/pull", token, `{"clientGroupID":"tasks","clientID":"c1","cookie":null}`, &pulled)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, int64(1), pulled.LastMutationID)
	require.NotNil(t, pulled.Cookie)
	assert.Equal(t, "1", *pulled.Cookie)
	require.Len(t, pulled.Patch, 1)
	assert.Equal(t, "put", pulled.Patch[0].Op)
	assert.Equal(t, "task/t1", pulled.Patch[0].Key)
	assert.Equal(t, map[string]any{"id": "t1", "title": "Buy milk", "checked": false}, pulled.Patch[0].Value)
	assert.Equal(t, map[string]int64{"c1": 1}, pulled.LastMutationIDChanges)

	rr = env.call(t, http.MethodPost, "/api/replicache/pull", token, `{"clientGroupID":"tasks","clientID":"c1","cookie":1}`, &pulled)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, pulled.Patch, "numeric cookies are accepted")
}

func TestSubjectsDoNotSeeEachOther(t *testing.T) {
	env := newTestEnv(t)

	rr := env.call(t, http.MethodPost, "/api/replicache/push", tokenFor(t, "alice"), `{
		"clientGroupID": "diary", "clientID": "c1",
		"mutations": [{"id": 1, "name": "createEntry", "args": {"id": "e1", "date": "2024-01-01", "text": "secret"}}]
	}`, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var pulled pullBody
	env.call(t, http.MethodPost, "/api/replicache/pull", tokenFor(t, "bob"), `{"clientGroupID":"diary","clientID":"c1","cookie":null}`, &pulled)
	assert.Empty(t, pulled.Patch)
	assert.Zero(t, pulled.LastMutationID)
}

func TestPushGapIsConflict(t *testing.T) {
	env := newTestEnv(t)

	var body errorBody
	rr := env.call(t, http.MethodPost, "/api/replicache/push", tokenFor(t, "user-1"), `{
		"clientGroupID": "tasks", "clientID": "c1",
		"mutations": [
			{"id": 1, "name": "createTask", "args": {"id": "a", "title": "A"}},
			{"id": 3, "name": "createTask", "args": {"id": "c", "title": "C"}}
		]
	}`, &body)
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "OUT_OF_ORDER_MUTATION", body.Code)
	assert.Equal(t, float64(2), body.Details["expected"])
	assert.Equal(t, float64(3), body.Details["got"])
}

func TestUnknownGroup(t *testing.T) {
	env := newTestEnv(t)
	token := tokenFor(t, "user-1")

	var body errorBody
	rr := env.call(t, http.MethodPost, "/api/replicache/push", token, `{
		"clientGroupID": "widgets", "clientID": "c1",
		"mutations": [{"id": 1, "name": "createWidget", "args": {}}]
	}`, &body)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "UNKNOWN_GROUP", body.Code)

	var pulled pullBody
	rr = env.call(t, http.MethodPost, "/api/replicache/pull", token, `{"clientGroupID":"widgets","clientID":"c1","cookie":"4"}`, &pulled)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, pulled.Patch)
	assert.Nil(t, pulled.Cookie)
}

func TestInvalidBodies(t *testing.T) {
	env := newTestEnv(t)
	token := tokenFor(t, "user-1")

	for name, tc := range map[string]struct{ path, body string }{
		"pull not json":     {"/api/replicache/pull", `{`},
		"push not json":     {"/api/replicache/push", `nope`},
		"push no client id": {"/api/replicache/push", `{"clientGroupID":"tasks","mutations":[]}`},
		"push zero id":      {"/api/replicache/push", `{"clientGroupID":"tasks","clientID":"c1","mutations":[{"id":0,"name":"createTask"}]}`},
	} {
		t.Run(name, func(t *testing.T) {
			var body errorBody
			rr := env.call(t, http.MethodPost, tc.path, token, tc.body, &body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "INVALID_BODY", body.Code)
		})
	}
}

func TestPokeStreamsAfterPush(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.handler)
	defer server.Close()
	token := tokenFor(t, "user-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/replicache/poke?clientGroupID=tasks:laptop", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	assert.Equal(t, ": connected", lines.Text())

	rr := env.call(t, http.MethodPost, "/api/replicache/push", token, `{
		"clientGroupID": "tasks:phone", "clientID": "p1",
		"mutations": [{"id": 1, "name": "createTask", "args": {"id": "t1", "title": "Buy milk"}}]
	}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var event []string
	for lines.Scan() {
		line := lines.Text()
		if line == "" {
			if len(event) > 0 {
				break
			}
			continue
		}
		event = append(event, line)
	}
	assert.Equal(t, []string{"event: poke", "data: 1"}, event)
}

func TestPokeUnknownGroup(t *testing.T) {
	env := newTestEnv(t)
	var body errorBody
	rr := env.call(t, http.MethodGet, "/api/replicache/poke?clientGroupID=widgets", tokenFor(t, "user-1"), nil, &body)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "UNKNOWN_GROUP", body.Code)
	assert.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json"))
}
