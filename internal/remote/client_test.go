package remote

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/autovoice/autovoice-core/internal/backend"
	"github.com/autovoice/autovoice-core/internal/bus"
	"github.com/autovoice/autovoice-core/internal/config"
	"github.com/autovoice/autovoice-core/internal/natsserver"
	"github.com/autovoice/autovoice-core/internal/protocol"
	"github.com/autovoice/autovoice-core/internal/store"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTestBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Coordinator.CommandTimeout = 1000
	cfg.Extract.Timeout = 1000
	return cfg
}

func newRemote(t *testing.T, client *bus.Client, kv store.KV, backendClient *backend.Client) *Client {
	t.Helper()
	c := New(client, kv, backendClient, testConfig(), newLogger())
	t.Cleanup(c.Close)
	return c
}

// respondJSON subscribes a canned JSON responder on subject.
func respondJSON(t *testing.T, client *bus.Client, subject string, payload any) {
	t.Helper()
	sub, err := client.Conn().Subscribe(subject, func(msg *nats.Msg) {
		data, _ := json.Marshal(payload)
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	t.Cleanup(func() { _ = sub.Drain() })
}

func waitCondition(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMountFallsBackToSnapshotWithoutCoordinator(t *testing.T) {
	client := startTestBus(t)
	kv := store.NewMemory()

	snap := protocol.PlaybackState{
		HasAudio:  true,
		Website:   "a.example.com",
		AudioTime: 9,
		Status:    protocol.StatusPaused,
		TabID:     3,
	}
	if err := store.SaveSnapshot(context.Background(), kv, snap); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	c := newRemote(t, client, kv, nil)
	st, err := c.Mount(context.Background(), nil)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	if st == nil || st.TabID != 3 || st.Status != protocol.StatusPaused {
		t.Fatalf("expected snapshot paint, got %+v", st)
	}
	if c.Owner() != 3 {
		t.Fatalf("owner = %d, want 3", c.Owner())
	}
}

func TestMountPrefersCoordinatorAnswer(t *testing.T) {
	client := startTestBus(t)
	kv := store.NewMemory()

	stale := protocol.EmptyState(3)
	if err := store.SaveSnapshot(context.Background(), kv, stale); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	fresh := protocol.PlaybackState{
		HasAudio: true,
		Website:  "b.example.com",
		Status:   protocol.StatusPlaying,
		TabID:    5,
	}
	respondJSON(t, client, protocol.SubjectGlobalState, protocol.StateReply{State: &fresh})

	c := newRemote(t, client, kv, nil)
	st, err := c.Mount(context.Background(), nil)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	if st == nil || st.TabID != 5 || st.Status != protocol.StatusPlaying {
		t.Fatalf("expected coordinator state, got %+v", st)
	}
	if c.Owner() != 5 {
		t.Fatalf("owner = %d, want 5", c.Owner())
	}
}

func TestFollowTracksOwnership(t *testing.T) {
	client := startTestBus(t)
	c := newRemote(t, client, store.NewMemory(), nil)

	updates := make(chan protocol.StateUpdate, 16)
	if err := c.Follow(func(update protocol.StateUpdate) { updates <- update }); err != nil {
		t.Fatalf("follow: %v", err)
	}
	if err := c.Follow(nil); err == nil {
		t.Fatal("second follow should fail")
	}

	playing := protocol.PlaybackState{HasAudio: true, Status: protocol.StatusPlaying, TabID: 2}
	publishState(t, client, playing)
	waitCondition(t, func() bool { return c.Owner() == 2 }, "ownership adoption")

	// A different tab winding down must not blank the view.
	publishState(t, client, protocol.EmptyState(9))
	publishState(t, client, protocol.PlaybackState{HasAudio: true, Status: protocol.StatusPaused, TabID: 2})
	waitCondition(t, func() bool {
		view := c.View()
		return view != nil && view.Status == protocol.StatusPaused
	}, "paused view")
	if c.Owner() != 2 {
		t.Fatalf("owner = %d, want 2", c.Owner())
	}

	publishState(t, client, protocol.EmptyState(2))
	waitCondition(t, func() bool { return c.Owner() == 0 }, "ownership release")
	if view := c.View(); view == nil || view.Status != protocol.StatusStopped {
		t.Fatalf("expected stopped view, got %+v", view)
	}

	if len(updates) == 0 {
		t.Fatal("expected callback deliveries")
	}
}

func TestLoadAndPlayExtractsAndRoutes(t *testing.T) {
	client := startTestBus(t)
	kv := store.NewMemory()
	ctx := context.Background()

	rules := []protocol.Rule{
		{Website: "example.com", Selectors: []string{"main"}},
		{Website: "news.example.com", Selectors: []string{"article"}},
	}
	if err := store.SaveCachedRules(ctx, kv, rules); err != nil {
		t.Fatalf("seed rules: %v", err)
	}

	extracts := make(chan protocol.ExtractRequest, 1)
	sub, err := client.Conn().Subscribe(protocol.TabExtractSubject(4), func(msg *nats.Msg) {
		var req protocol.ExtractRequest
		_ = json.Unmarshal(msg.Data, &req)
		extracts <- req
		data, _ := json.Marshal(protocol.ExtractReply{Text: "  Some article text  ", Title: "A headline"})
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe extract: %v", err)
	}
	t.Cleanup(func() { _ = sub.Drain() })

	loads := make(chan protocol.LoadRequest, 1)
	loadSub, err := client.Conn().Subscribe(protocol.SubjectLoadCommand, func(msg *nats.Msg) {
		var req protocol.LoadRequest
		_ = json.Unmarshal(msg.Data, &req)
		loads <- req
		data, _ := json.Marshal(protocol.Ack{Success: true})
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe load: %v", err)
	}
	t.Cleanup(func() { _ = loadSub.Drain() })

	c := newRemote(t, client, kv, nil)
	req, err := c.LoadAndPlay(ctx, 4, "news.example.com", true)
	if err != nil {
		t.Fatalf("load and play: %v", err)
	}
	if req.Text != "Some article text" || req.Description != "A headline" {
		t.Fatalf("unexpected request: %+v", req)
	}

	got := <-extracts
	if len(got.Selectors) != 1 || got.Selectors[0] != "article" {
		t.Fatalf("selectors = %v, want [article]", got.Selectors)
	}
	routed := <-loads
	if routed.TabID != 4 || !routed.AutoPlay || routed.Website != "news.example.com" {
		t.Fatalf("unexpected routed load: %+v", routed)
	}

	// A pending rule under test overrides the cached set.
	pending := protocol.Rule{Website: "news", Selectors: []string{"#override"}}
	if err := store.SavePendingRule(ctx, kv, pending); err != nil {
		t.Fatalf("seed pending rule: %v", err)
	}
	if _, err := c.LoadAndPlay(ctx, 4, "news.example.com", false); err != nil {
		t.Fatalf("load and play with pending rule: %v", err)
	}
	got = <-extracts
	if len(got.Selectors) != 1 || got.Selectors[0] != "#override" {
		t.Fatalf("selectors = %v, want [#override]", got.Selectors)
	}
}

func TestLoadAndPlayRejectsEmptyExtraction(t *testing.T) {
	client := startTestBus(t)
	respondJSON(t, client, protocol.TabExtractSubject(8), protocol.ExtractReply{Text: "   "})

	c := newRemote(t, client, store.NewMemory(), nil)
	if _, err := c.LoadAndPlay(context.Background(), 8, "a.example.com", true); err == nil {
		t.Fatal("expected error for empty extraction")
	}
}

func TestCommandRelaysCoordinatorFailure(t *testing.T) {
	client := startTestBus(t)
	respondJSON(t, client, protocol.SubjectCommand, protocol.Ack{Success: false, Error: "no active tab"})
	respondJSON(t, client, protocol.SubjectSeekCommand, protocol.Ack{Success: true})

	c := newRemote(t, client, store.NewMemory(), nil)
	err := c.Command(context.Background(), protocol.CommandPause)
	if err == nil || err.Error() != "no active tab" {
		t.Fatalf("expected relayed failure, got %v", err)
	}
	if err := c.Seek(context.Background(), 3.5); err != nil {
		t.Fatalf("seek: %v", err)
	}
}

func TestLoginStoresToken(t *testing.T) {
	client := startTestBus(t)
	kv := store.NewMemory()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/login" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-123"}`))
	}))
	t.Cleanup(srv.Close)

	backendClient := backend.New(config.BackendConfig{BaseURL: srv.URL, RequestTimeout: 2000}, nil, newLogger())
	c := newRemote(t, client, kv, backendClient)

	if err := c.Login(context.Background(), "reader", "secret"); err != nil {
		t.Fatalf("login: %v", err)
	}
	token, err := store.LoadAuthToken(context.Background(), kv)
	if err != nil {
		t.Fatalf("load token: %v", err)
	}
	if token != "tok-123" {
		t.Fatalf("token = %q, want tok-123", token)
	}
}

func publishState(t *testing.T, client *bus.Client, st protocol.PlaybackState) {
	t.Helper()
	err := client.Publish(protocol.SubjectStateBroadcast, protocol.StateUpdate{
		State:     st,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("publish state: %v", err)
	}
}
