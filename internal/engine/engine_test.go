package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"lifelog/api/internal/engine"
	"lifelog/api/internal/store"
)

const subject = "user-1"

type taskArgs struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func testRegistry() *engine.Registry {
	reg := engine.NewRegistry()
	reg.RegisterAll("tasks", map[string]engine.Mutator{
		"createTask": func(ctx context.Context, tx engine.Tx, args json.RawMessage) error {
			var a taskArgs
			if err := json.Unmarshal(args, &a); err != nil || a.ID == "" {
				return engine.Reject("bad args")
			}
			return tx.Put(ctx, "task/"+a.ID, args)
		},
		"deleteTask": func(ctx context.Context, tx engine.Tx, args json.RawMessage) error {
			var a taskArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return engine.Reject("bad args")
			}
			return tx.Delete(ctx, "task/"+a.ID)
		},
		"writeThenReject": func(ctx context.Context, tx engine.Tx, args json.RawMessage) error {
			if err := tx.Put(ctx, "task/ghost", json.RawMessage(`{}`)); err != nil {
				return err
			}
			return engine.Reject("changed my mind")
		},
		"explode": func(context.Context, engine.Tx, json.RawMessage) error {
			panic("kaboom")
		},
	})
	reg.Register("diary", "createEntry", func(ctx context.Context, tx engine.Tx, args json.RawMessage) error {
		return tx.Put(ctx, "entry/1", args)
	})
	return reg
}

// countingEngine registers tasks/count, which records how often it ran.
func countingEngine(t *testing.T) (*engine.Engine, *atomic.Int64) {
	t.Helper()
	calls := new(atomic.Int64)
	reg := testRegistry()
	reg.Register("tasks", "count", func(ctx context.Context, tx engine.Tx, _ json.RawMessage) error {
		n := calls.Add(1)
		return tx.Put(ctx, "counter", json.RawMessage(strconv.FormatInt(n, 10)))
	})
	return engine.New(store.NewMemoryStore(), reg), calls
}

func count(id int64) engine.Mutation {
	return engine.Mutation{ID: id, Name: "count", Args: json.RawMessage(`{}`)}
}

func newEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	return engine.New(s, testRegistry(), opts...), s
}

func create(id int64, taskID, title string) engine.Mutation {
	return engine.Mutation{ID: id, Name: "createTask", Args: json.RawMessage(fmt.Sprintf(`{"id":%q,"title":%q}`, taskID, title))}
}

func del(id int64, taskID string) engine.Mutation {
	return engine.Mutation{ID: id, Name: "deleteTask", Args: json.RawMessage(fmt.Sprintf(`{"id":%q}`, taskID))}
}

func push(t *testing.T, e *engine.Engine, clientID string, muts ...engine.Mutation) engine.PushResponse {
	t.Helper()
	resp, err := e.Push(context.Background(), engine.PushRequest{
		Subject: subject, ClientGroupID: "tasks", ClientID: clientID, Mutations: muts,
	})
	require.NoError(t, err)
	return resp
}

func pull(t *testing.T, e *engine.Engine, clientGroupID, clientID string, cookie engine.Cookie) engine.PullResponse {
	t.Helper()
	resp, err := e.Pull(context.Background(), engine.PullRequest{
		Subject: subject, ClientGroupID: clientGroupID, ClientID: clientID, Cookie: cookie,
	})
	require.NoError(t, err)
	return resp
}

func TestPushThenPullFromScratch(t *testing.T) {
	e, _ := newEngine(t)

	resp := push(t, e, "c1", create(1, "t1", "Buy milk"))
	assert.Equal(t, int64(1), resp.LastMutationID)
	assert.Equal(t, engine.CookieAt(1), resp.Cookie)

	got := pull(t, e, "tasks", "c1", engine.Cookie{})
	assert.Equal(t, int64(1), got.LastMutationID)
	assert.Equal(t, engine.CookieAt(1), got.Cookie)
	assert.Equal(t, map[string]int64{"c1": 1}, got.LastMutationIDChanges)
	require.Len(t, got.Patch, 1)
	assert.Equal(t, engine.OpPut, got.Patch[0].Op)
	assert.Equal(t, "task/t1", got.Patch[0].Key)
	assert.JSONEq(t, `{"id":"t1","title":"Buy milk"}`, string(got.Patch[0].Value))
}

func TestPushIsIdempotent(t *testing.T) {
	e, _ := newEngine(t)
	batch := []engine.Mutation{create(1, "t1", "Buy milk"), create(2, "t2", "Walk dog")}

	first := push(t, e, "c1", batch...)
	second := push(t, e, "c1", batch...)
	assert.Equal(t, first, second)

	got := pull(t, e, "tasks", "c1", engine.Cookie{})
	assert.Len(t, got.Patch, 2)
	assert.Equal(t, engine.CookieAt(2), got.Cookie)
}

func TestPushBatchesCompose(t *testing.T) {
	whole, _ := newEngine(t)
	split, _ := newEngine(t)

	push(t, whole, "c1", create(1, "a", "A"), create(2, "b", "B"), del(3, "a"))
	push(t, split, "c1", create(1, "a", "A"))
	push(t, split, "c1", create(1, "a", "A"), create(2, "b", "B"))
	push(t, split, "c1", del(3, "a"))

	a := pull(t, whole, "tasks", "c1", engine.Cookie{})
	b := pull(t, split, "tasks", "c1", engine.Cookie{})
	assert.Equal(t, a.Patch, b.Patch)
	assert.Equal(t, a.Cookie, b.Cookie)
	assert.Equal(t, a.LastMutationID, b.LastMutationID)
}

func TestIncrementalPullsMatchSnapshot(t *testing.T) {
	e, _ := newEngine(t)
	local := map[string]json.RawMessage{}
	cookie := engine.Cookie{}
	catchUp := func() {
		resp := pull(t, e, "tasks", "c2", cookie)
		for _, op := range resp.Patch {
			switch op.Op {
			case engine.OpPut:
				local[op.Key] = op.Value
			case engine.OpDel:
				delete(local, op.Key)
			}
		}
		cookie = resp.Cookie
	}

	push(t, e, "c1", create(1, "a", "A"), create(2, "b", "B"))
	catchUp()
	assert.Equal(t, engine.CookieAt(2), cookie)

	push(t, e, "c1", del(3, "a"), create(4, "c", "C"), create(5, "d", "D"), del(6, "c"))
	catchUp()
	assert.NotContains(t, local, "task/a")
	assert.NotContains(t, local, "task/c", "put then delete inside one window")

	push(t, e, "c1", create(7, "a", "A again"), create(8, "e", "E"), del(9, "b"))
	catchUp()
	assert.Equal(t, engine.CookieAt(9), cookie)

	snapshot := pull(t, e, "tasks", "c2", engine.Cookie{})
	want := make(map[string]json.RawMessage, len(snapshot.Patch))
	for _, op := range snapshot.Patch {
		require.Equal(t, engine.OpPut, op.Op)
		want[op.Key] = op.Value
	}
	assert.Equal(t, want, local)
	assert.Equal(t, []string{"task/a", "task/d", "task/e"}, keysOf(local))
}

func keysOf(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestGroupSpellingsShareCursors(t *testing.T) {
	e, calls := countingEngine(t)
	batch := []engine.Mutation{count(1), count(2)}

	for _, group := range []string{"tasks", "Tasks", " tasks "} {
		resp, err := e.Push(context.Background(), engine.PushRequest{
			Subject: subject, ClientGroupID: group, ClientID: "c1", Mutations: batch,
		})
		require.NoError(t, err, group)
		assert.Equal(t, engine.PushResponse{LastMutationID: 2, Cookie: engine.CookieAt(2)}, resp, group)
	}
	assert.Equal(t, int64(2), calls.Load())

	got := pull(t, e, "TASKS", "c1", engine.Cookie{})
	assert.Equal(t, int64(2), got.LastMutationID)
	assert.Equal(t, map[string]int64{"c1": 2}, got.LastMutationIDChanges)
}

func TestPushGapRejectsWholeBatch(t *testing.T) {
	e, _ := newEngine(t)

	_, err := e.Push(context.Background(), engine.PushRequest{
		Subject: subject, ClientGroupID: "tasks", ClientID: "c1",
		Mutations: []engine.Mutation{create(1, "a", "A"), create(2, "b", "B"), create(4, "d", "D")},
	})
	require.ErrorIs(t, err, engine.ErrOutOfOrderMutation)
	var gap *engine.OutOfOrderError
	require.True(t, errors.As(err, &gap))
	assert.Equal(t, int64(3), gap.Expected)
	assert.Equal(t, int64(4), gap.Got)
	assert.False(t, engine.IsRetryable(err))

	got := pull(t, e, "tasks", "c1", engine.Cookie{})
	assert.Empty(t, got.Patch)
	assert.Zero(t, got.LastMutationID)
	assert.Equal(t, engine.CookieAt(0), got.Cookie)
}

func TestUnknownAndRejectedMutationsAreConsumed(t *testing.T) {
	e, _ := newEngine(t)

	resp := push(t, e, "c1",
		engine.Mutation{ID: 1, Name: "noSuchMutation", Args: json.RawMessage(`{}`)},
		engine.Mutation{ID: 2, Name: "createTask", Args: json.RawMessage(`{"title":"missing id"}`)},
		engine.Mutation{ID: 3, Name: "writeThenReject", Args: json.RawMessage(`{}`)},
		engine.Mutation{ID: 4, Name: "explode", Args: json.RawMessage(`{}`)},
		create(5, "t1", "kept"),
	)
	assert.Equal(t, int64(5), resp.LastMutationID)
	assert.Equal(t, engine.CookieAt(5), resp.Cookie)

	got := pull(t, e, "tasks", "c1", engine.Cookie{})
	require.Len(t, got.Patch, 1)
	assert.Equal(t, "task/t1", got.Patch[0].Key)
}

func TestPullDiffCarriesTombstones(t *testing.T) {
	e, _ := newEngine(t)
	push(t, e, "c1", create(1, "a", "A"), create(2, "b", "B"))

	base := pull(t, e, "tasks", "c1", engine.Cookie{})
	require.Equal(t, engine.CookieAt(2), base.Cookie)

	noop := pull(t, e, "tasks", "c1", base.Cookie)
	assert.Empty(t, noop.Patch)
	assert.Empty(t, noop.LastMutationIDChanges)
	assert.Equal(t, base.Cookie, noop.Cookie)

	push(t, e, "c1", del(3, "a"), create(4, "c", "C"))
	diff := pull(t, e, "tasks", "c1", base.Cookie)
	assert.Equal(t, []engine.PatchOp{
		{Op: engine.OpDel, Key: "task/a"},
		{Op: engine.OpPut, Key: "task/c", Value: json.RawMessage(`{"id":"c","title":"C"}`)},
	}, diff.Patch)
	assert.Equal(t, map[string]int64{"c1": 4}, diff.LastMutationIDChanges)

	snapshot := pull(t, e, "tasks", "c1", engine.Cookie{})
	require.Len(t, snapshot.Patch, 2)
	for _, op := range snapshot.Patch {
		assert.Equal(t, engine.OpPut, op.Op, "snapshots contain only live entities")
	}
}

func TestPullCookieOutsideHistoryGetsSnapshot(t *testing.T) {
	e, _ := newEngine(t)
	push(t, e, "c1", create(1, "a", "A"), create(2, "b", "B"), del(3, "a"))

	removed, err := e.Compact(context.Background(), engine.DatasetID{Subject: subject, Kind: "tasks"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	for name, cookie := range map[string]engine.Cookie{
		"older than horizon": engine.CookieAt(1),
		"zero":               engine.CookieAt(0),
		"future":             engine.CookieAt(99),
		"null":               {},
	} {
		t.Run(name, func(t *testing.T) {
			got := pull(t, e, "tasks", "c1", cookie)
			assert.Equal(t, engine.CookieAt(3), got.Cookie)
			require.Len(t, got.Patch, 1)
			assert.Equal(t, engine.PatchOp{Op: engine.OpPut, Key: "task/b", Value: json.RawMessage(`{"id":"b","title":"B"}`)}, got.Patch[0])
		})
	}

	current := pull(t, e, "tasks", "c1", engine.CookieAt(3))
	assert.Empty(t, current.Patch)
}

func TestCompactKeepsRecentTombstones(t *testing.T) {
	e, _ := newEngine(t)
	push(t, e, "c1", create(1, "a", "A"), del(2, "a"), create(3, "b", "B"), del(4, "b"))

	ds := engine.DatasetID{Subject: subject, Kind: "tasks"}
	removed, err := e.Compact(context.Background(), ds, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	diff := pull(t, e, "tasks", "c1", engine.CookieAt(2))
	assert.Equal(t, []engine.PatchOp{{Op: engine.OpDel, Key: "task/b"}}, diff.Patch)

	require.NoError(t, e.CompactAll(context.Background(), 0))
	stale := pull(t, e, "tasks", "c1", engine.CookieAt(2))
	assert.Empty(t, stale.Patch, "snapshot of an empty dataset")
}

func TestUnknownGroup(t *testing.T) {
	e, _ := newEngine(t)

	got := pull(t, e, "widgets", "c1", engine.CookieAt(3))
	assert.Empty(t, got.Patch)
	assert.NotNil(t, got.Patch)
	assert.False(t, got.Cookie.Valid)

	_, err := e.Push(context.Background(), engine.PushRequest{
		Subject: subject, ClientGroupID: "widgets", ClientID: "c1",
		Mutations: []engine.Mutation{create(1, "a", "A")},
	})
	require.ErrorIs(t, err, engine.ErrUnknownGroup)
}

func TestClientGroupsOfOneKindShareDataset(t *testing.T) {
	e, _ := newEngine(t)

	_, err := e.Push(context.Background(), engine.PushRequest{
		Subject: subject, ClientGroupID: "tasks:phone", ClientID: "p1",
		Mutations: []engine.Mutation{create(1, "a", "A")},
	})
	require.NoError(t, err)

	laptop := pull(t, e, "tasks:laptop", "l1", engine.Cookie{})
	require.Len(t, laptop.Patch, 1)
	assert.Zero(t, laptop.LastMutationID)
	assert.Empty(t, laptop.LastMutationIDChanges)

	phone := pull(t, e, "tasks:phone", "p1", engine.Cookie{})
	assert.Equal(t, int64(1), phone.LastMutationID)

	diary := pull(t, e, "diary", "p1", engine.Cookie{})
	assert.Empty(t, diary.Patch)
}

func TestSubjectsAreIsolated(t *testing.T) {
	e, _ := newEngine(t)
	push(t, e, "c1", create(1, "a", "A"))

	got, err := e.Pull(context.Background(), engine.PullRequest{Subject: "user-2", ClientGroupID: "tasks", ClientID: "c1"})
	require.NoError(t, err)
	assert.Empty(t, got.Patch)
	assert.Zero(t, got.LastMutationID)
}

func TestPushPerMutationClientID(t *testing.T) {
	e, _ := newEngine(t)

	m2 := create(1, "b", "B")
	m2.ClientID = "c2"
	resp := push(t, e, "c1", create(1, "a", "A"), m2)
	assert.Equal(t, int64(1), resp.LastMutationID)

	got := pull(t, e, "tasks", "c1", engine.Cookie{})
	assert.Equal(t, map[string]int64{"c1": 1, "c2": 1}, got.LastMutationIDChanges)
	assert.Len(t, got.Patch, 2)
}

func TestPushValidation(t *testing.T) {
	e, _ := newEngine(t)
	for name, req := range map[string]engine.PushRequest{
		"no subject":   {ClientGroupID: "tasks", ClientID: "c1"},
		"no client":    {Subject: subject, ClientGroupID: "tasks"},
		"zero id":      {Subject: subject, ClientGroupID: "tasks", ClientID: "c1", Mutations: []engine.Mutation{{ID: 0, Name: "createTask"}}},
		"missing name": {Subject: subject, ClientGroupID: "tasks", ClientID: "c1", Mutations: []engine.Mutation{{ID: 1}}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := e.Push(context.Background(), req)
			require.ErrorIs(t, err, engine.ErrInvalidRequest)
		})
	}
}

func TestConcurrentPushesFromDisjointClients(t *testing.T) {
	e, _ := newEngine(t)
	const clients, perClient = 8, 5

	var g errgroup.Group
	for c := 0; c < clients; c++ {
		clientID := fmt.Sprintf("c%d", c)
		g.Go(func() error {
			for id := int64(1); id <= perClient; id++ {
				_, err := e.Push(context.Background(), engine.PushRequest{
					Subject: subject, ClientGroupID: "tasks", ClientID: clientID,
					Mutations: []engine.Mutation{create(id, fmt.Sprintf("%s-%d", clientID, id), "x")},
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	got := pull(t, e, "tasks", "c0", engine.Cookie{})
	assert.Equal(t, engine.CookieAt(clients*perClient), got.Cookie)
	assert.Len(t, got.Patch, clients*perClient)
	require.Len(t, got.LastMutationIDChanges, clients)
	for _, last := range got.LastMutationIDChanges {
		assert.Equal(t, int64(perClient), last)
	}
}

func TestConcurrentPushesFromOneClientApplyOnce(t *testing.T) {
	e, calls := countingEngine(t)
	const racers = 50

	var g errgroup.Group
	for i := 0; i < racers; i++ {
		g.Go(func() error {
			resp, err := e.Push(context.Background(), engine.PushRequest{
				Subject: subject, ClientGroupID: "tasks", ClientID: "c1",
				Mutations: []engine.Mutation{count(1), count(2)},
			})
			if err != nil {
				return err
			}
			if resp.LastMutationID != 2 {
				return fmt.Errorf("lastMutationID = %d", resp.LastMutationID)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(2), calls.Load())
	got := pull(t, e, "tasks", "c1", engine.Cookie{})
	assert.Equal(t, engine.CookieAt(2), got.Cookie)
	require.Len(t, got.Patch, 1)
	assert.JSONEq(t, `2`, string(got.Patch[0].Value))
}

// stuckStore never finishes a write until its context gives up.
type stuckStore struct{ engine.Store }

func (stuckStore) Update(ctx context.Context, _ engine.DatasetID, _ func(engine.WriteTx) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPushTimeoutIsRetryable(t *testing.T) {
	e := engine.New(stuckStore{store.NewMemoryStore()}, testRegistry(), engine.WithTimeout(20*time.Millisecond))

	_, err := e.Push(context.Background(), engine.PushRequest{
		Subject: subject, ClientGroupID: "tasks", ClientID: "c1",
		Mutations: []engine.Mutation{create(1, "a", "A")},
	})
	require.ErrorIs(t, err, engine.ErrTimeout)
	assert.True(t, engine.IsRetryable(err))
}

type downStore struct{ engine.Store }

func (downStore) Update(context.Context, engine.DatasetID, func(engine.WriteTx) error) error {
	return fmt.Errorf("%w: connection refused", engine.ErrStoreUnavailable)
}

func TestPushStoreUnavailableIsRetryable(t *testing.T) {
	mem := store.NewMemoryStore()
	e := engine.New(downStore{mem}, testRegistry())

	_, err := e.Push(context.Background(), engine.PushRequest{
		Subject: subject, ClientGroupID: "tasks", ClientID: "c1",
		Mutations: []engine.Mutation{create(1, "a", "A")},
	})
	require.ErrorIs(t, err, engine.ErrStoreUnavailable)
	assert.True(t, engine.IsRetryable(err))

	got, err := engine.New(mem, testRegistry()).Pull(context.Background(), engine.PullRequest{Subject: subject, ClientGroupID: "tasks", ClientID: "c1"})
	require.NoError(t, err)
	assert.Empty(t, got.Patch)
}

type recordingNotifier struct {
	mu    sync.Mutex
	pokes []engine.Version
}

func (n *recordingNotifier) Poke(_ context.Context, _ engine.DatasetID, v engine.Version) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pokes = append(n.pokes, v)
}

type recordingLocker struct {
	mu   sync.Mutex
	keys []string
	held map[string]bool
}

func (l *recordingLocker) Lock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	l.keys = append(l.keys, key)
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

func TestPushPokesAndLocks(t *testing.T) {
	notifier := &recordingNotifier{}
	locker := &recordingLocker{}
	e, _ := newEngine(t, engine.WithNotifier(notifier), engine.WithLocker(locker))

	push(t, e, "c1", create(1, "a", "A"))
	push(t, e, "c1", create(1, "a", "A"))

	assert.Equal(t, []engine.Version{1}, notifier.pokes, "a duplicate push does not poke")
	assert.Equal(t, []string{"user-1/tasks/c1", "user-1/tasks/c1"}, locker.keys)
	assert.Empty(t, locker.held)
}

type failingLocker struct{}

func (failingLocker) Lock(context.Context, string) (func(), error) {
	return nil, context.DeadlineExceeded
}

func TestPushLockFailureIsTimeout(t *testing.T) {
	e, _ := newEngine(t, engine.WithLocker(failingLocker{}))
	_, err := e.Push(context.Background(), engine.PushRequest{
		Subject: subject, ClientGroupID: "tasks", ClientID: "c1",
		Mutations: []engine.Mutation{create(1, "a", "A")},
	})
	require.ErrorIs(t, err, engine.ErrTimeout)
}
