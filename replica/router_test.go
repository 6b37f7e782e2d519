package replica

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.org/replica/fetcher"
	"tangled.org/replica/identity"
	"tangled.org/replica/log"
	"tangled.org/replica/notifier"
	"tangled.org/replica/patch"
	"tangled.org/replica/queue"
	"tangled.org/replica/replica/config"
	"tangled.org/replica/replica/git"
	"tangled.org/replica/seedstore"
)

type fixture struct {
	ts     *httptest.Server
	repo   *git.Repo
	handle *fetcher.Handle
	runner *fetcher.Runner
	store  seedstore.Store
	rev    identity.Revision
}

type staticFetcher fetcher.Result

func (f staticFetcher) FetchFromSeed(context.Context, identity.Revision, *url.URL) (fetcher.Result, error) {
	return fetcher.Result(f), nil
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	repo := git.InMemory(git.Signature{Name: "alice", Email: "alice@example.com"})
	person, err := identity.Create(repo, identity.Doc{Name: "maintainer", Keys: []identity.PeerID{"maintainer"}})
	require.NoError(t, err)
	rev, err := identity.Create(repo, identity.Doc{Name: "upstream", Delegates: []identity.Revision{person}})
	require.NoError(t, err)

	seed, _ := url.Parse("https://seed.example.com")
	store := seedstore.NewMemoryStore()
	handle, runner, err := fetcher.New(ctx, fetcher.Options{
		Repo:          repo,
		Self:          "alice",
		Seeds:         []*url.URL{seed},
		FetchInterval: time.Hour,
		Store:         store,
		Logger:        log.Discard(),
		Fetcher:       staticFetcher(fetcher.Updated),
	})
	require.NoError(t, err)

	push := queue.NewQueue(4, 1)
	push.Start()
	t.Cleanup(push.Stop)

	srv := NewServer("alice", repo, handle, push, log.Discard())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &fixture{ts: ts, repo: repo, handle: handle, runner: runner, store: store, rev: rev}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeError(t *testing.T, res *http.Response) APIError {
	t.Helper()
	var e APIError
	require.NoError(t, json.NewDecoder(res.Body).Decode(&e))
	return e
}

func TestIndexAndVersion(t *testing.T) {
	f := setup(t)

	res := f.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res = f.do(t, http.MethodGet, "/version", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var v map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	assert.NotEmpty(t, v["version"])
}

func TestPatchEvents(t *testing.T) {
	f := setup(t)
	base := "/projects/" + f.rev.Urn() + "/patches/alice/asdf"

	res := f.do(t, http.MethodPut, base+"/events", `{"type":"setStatus","data":{"status":"closed"}}`)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res = f.do(t, http.MethodGet, base+"/events", "")
	require.Equal(t, http.StatusOK, res.StatusCode)

	var events []patch.Stored
	require.NoError(t, json.NewDecoder(res.Body).Decode(&events))
	require.Len(t, events, 1)
	assert.Equal(t, identity.PeerID("alice"), events[0].PeerID)
	assert.Equal(t, patch.EventSetStatus, events[0].Event.Type)

	res = f.do(t, http.MethodGet, base+"/status", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var status map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&status))
	assert.Equal(t, "closed", status["status"])
}

func TestProjectUrnForms(t *testing.T) {
	f := setup(t)

	res := f.do(t, http.MethodPut, "/projects/"+f.rev.Urn()+"/patches/alice/asdf/events",
		`{"type":"setStatus","data":{"status":"closed"}}`)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	// the bare id and the hex object id address the same project
	for _, id := range []string{f.rev.EncodeID(), f.rev.Hash().String()} {
		res := f.do(t, http.MethodGet, "/projects/"+id+"/patches/alice/asdf/status", "")
		require.Equal(t, http.StatusOK, res.StatusCode, id)
		var status map[string]string
		require.NoError(t, json.NewDecoder(res.Body).Decode(&status))
		assert.Equal(t, "closed", status["status"], id)
	}

	res = f.do(t, http.MethodGet, "/projects/not-a-urn/seed", "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestPatchEventsWireFormat(t *testing.T) {
	f := setup(t)
	base := "/projects/" + f.rev.Urn() + "/patches/alice/asdf"

	res := f.do(t, http.MethodPut, base+"/events", `{"type":"setStatus","data":{"status":"open"}}`)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res = f.do(t, http.MethodGet, base+"/events", "")
	var raw []map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&raw))
	assert.Equal(t, []map[string]any{{
		"peer_id": "alice",
		"event": map[string]any{
			"type": "setStatus",
			"data": map[string]any{"status": "open"},
		},
	}}, raw)
}

func TestPatchStatusIgnoresStrangers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := patch.ID{Peer: "bob", Name: "fix"}

	// alice is neither the author nor a delegate
	require.NoError(t, patch.Publish(ctx, f.repo, "alice", f.rev, id, patch.SetStatus(patch.StatusClosed)))

	res := f.do(t, http.MethodGet, "/projects/"+f.rev.Urn()+"/patches/bob/fix/status", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var status map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&status))
	assert.Equal(t, "open", status["status"])
}

func TestPatchEventErrors(t *testing.T) {
	f := setup(t)
	urn := f.rev.Urn()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		tag    string
	}{
		{"bad urn", http.MethodGet, "/projects/rad:git:nope/patches/alice/asdf/events", "", http.StatusBadRequest, "InvalidUrn"},
		{"bad peer", http.MethodGet, "/projects/" + urn + "/patches/al.ice/asdf/events", "", http.StatusBadRequest, "InvalidPatch"},
		{"bad json", http.MethodPut, "/projects/" + urn + "/patches/alice/asdf/events", "{", http.StatusBadRequest, "InvalidEvent"},
		{"unknown type", http.MethodPut, "/projects/" + urn + "/patches/alice/asdf/events", `{"type":"foo"}`, http.StatusBadRequest, "InvalidEvent"},
		{"bad status", http.MethodPut, "/projects/" + urn + "/patches/alice/asdf/events", `{"type":"setStatus","data":{"status":"merged"}}`, http.StatusBadRequest, "InvalidEvent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, res.StatusCode)
			assert.Equal(t, tt.tag, decodeError(t, res).Tag)
		})
	}
}

func TestPatchStatusUnknownIdentity(t *testing.T) {
	f := setup(t)
	other, err := identity.ParseUrn(strings.Repeat("ab", 20))
	require.NoError(t, err)

	res := f.do(t, http.MethodGet, "/projects/"+other.Urn()+"/patches/alice/asdf/status", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "IdentityNotFound", decodeError(t, res).Tag)
}

func TestSeedAndPush(t *testing.T) {
	f := setup(t)
	path := "/projects/" + f.rev.Urn()

	res := f.do(t, http.MethodGet, path+"/seed", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "NoSeed", decodeError(t, res).Tag)

	res = f.do(t, http.MethodPost, path+"/push", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.runner.Run(ctx)

	res = f.do(t, http.MethodPost, path+"/fetch", "")
	assert.Equal(t, http.StatusAccepted, res.StatusCode)

	require.Eventually(t, func() bool {
		return f.handle.GetSeed(context.Background(), f.rev) != nil
	}, 5*time.Second, 10*time.Millisecond)

	res = f.do(t, http.MethodGet, path+"/seed", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "https://seed.example.com", body["seed"])
}

func TestEventsStream(t *testing.T) {
	f := setup(t)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.runner.Run(ctx)

	// New scheduled the known identities; keep nudging until the stream is
	// subscribed and a fetch lands
	var ev notifier.Event
	done := make(chan error, 1)
	go func() { done <- conn.ReadJSON(&ev) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			assert.Equal(t, "projectUpdated", ev.Type)
			return
		case <-tick.C:
			f.handle.Add(f.rev)
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

func TestMetrics(t *testing.T) {
	f := setup(t)
	res := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestOpenStore(t *testing.T) {
	for _, kv := range []string{"memory", "sqlite"} {
		t.Run(kv, func(t *testing.T) {
			store, closer, err := OpenStore(config.Storage{KV: kv, DBPath: ":memory:"})
			require.NoError(t, err)
			defer closer()

			ctx := context.Background()
			require.NoError(t, store.Set(ctx, "k", "v"))
			v, ok, err := store.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v", v)
		})
	}

	_, _, err := OpenStore(config.Storage{KV: "etcd"})
	assert.Error(t, err)
}
