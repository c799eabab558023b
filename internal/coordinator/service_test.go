package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/autovoice/autovoice-core/internal/bus"
	"github.com/autovoice/autovoice-core/internal/config"
	"github.com/autovoice/autovoice-core/internal/journal"
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

func startCoordinator(t *testing.T, client *bus.Client) (*Service, store.KV) {
	t.Helper()
	j, err := journal.Open(context.Background(), config.JournalConfig{
		Path:          filepath.Join(t.TempDir(), "journal.db"),
		RetentionMode: "session",
	}, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	kv := store.NewMemory()
	svc := NewService(context.Background(), config.CoordinatorConfig{
		Enabled:        true,
		CommandTimeout: 1000,
		StateTimeout:   300,
	}, client, j, kv, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, kv
}

// fakeTab answers on a tab's audio subjects the way a player would.
type fakeTab struct {
	verbs chan string
	loads chan protocol.LoadRequest
	seeks chan protocol.SeekRequest

	mu     sync.Mutex
	state  protocol.PlaybackState
	silent bool
}

func newFakeTab(t *testing.T, client *bus.Client, tabID int) *fakeTab {
	t.Helper()
	f := &fakeTab{
		verbs: make(chan string, 16),
		loads: make(chan protocol.LoadRequest, 4),
		seeks: make(chan protocol.SeekRequest, 4),
		state: protocol.EmptyState(tabID),
	}
	sub, err := client.Conn().Subscribe(protocol.TabAudioSubscription(tabID), func(msg *nats.Msg) {
		switch protocol.SubjectVerb(msg.Subject) {
		case protocol.TabAudioGetState:
			f.mu.Lock()
			silent := f.silent
			st := f.state
			f.mu.Unlock()
			if silent {
				return
			}
			data, _ := json.Marshal(protocol.StateReply{State: &st})
			_ = msg.Respond(data)
		case protocol.TabAudioLoad:
			var req protocol.LoadRequest
			_ = json.Unmarshal(msg.Data, &req)
			f.loads <- req
			data, _ := json.Marshal(protocol.Ack{Success: true})
			_ = msg.Respond(data)
		case protocol.TabAudioSeek:
			var req protocol.SeekRequest
			_ = json.Unmarshal(msg.Data, &req)
			f.seeks <- req
			data, _ := json.Marshal(protocol.Ack{Success: true})
			_ = msg.Respond(data)
		default:
			f.verbs <- protocol.SubjectVerb(msg.Subject)
			data, _ := json.Marshal(protocol.Ack{Success: true})
			_ = msg.Respond(data)
		}
	})
	if err != nil {
		t.Fatalf("subscribe fake tab %d: %v", tabID, err)
	}
	t.Cleanup(func() { _ = sub.Drain() })
	return f
}

func (f *fakeTab) setState(st protocol.PlaybackState) {
	f.mu.Lock()
	f.state = st
	f.mu.Unlock()
}

func (f *fakeTab) silence() {
	f.mu.Lock()
	f.silent = true
	f.mu.Unlock()
}

func (f *fakeTab) waitVerb(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-f.verbs:
		if got != want {
			t.Fatalf("verb = %q, want %q", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func broadcast(t *testing.T, client *bus.Client, st protocol.PlaybackState) {
	t.Helper()
	err := client.Publish(protocol.SubjectStateBroadcast, protocol.StateUpdate{
		State:     st,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("publish broadcast: %v", err)
	}
}

func playingState(tabID int, website string) protocol.PlaybackState {
	return protocol.PlaybackState{
		HasAudio:      true,
		Website:       website,
		AudioDuration: 30,
		Status:        protocol.StatusPlaying,
		TabID:         tabID,
	}
}

func requestAck(t *testing.T, client *bus.Client, subject string, payload any) protocol.Ack {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var ack protocol.Ack
	if err := client.Request(ctx, subject, payload, &ack); err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	return ack
}

func requestGlobalState(t *testing.T, client *bus.Client) protocol.StateReply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var reply protocol.StateReply
	if err := client.Request(ctx, protocol.SubjectGlobalState, nil, &reply); err != nil {
		t.Fatalf("request global state: %v", err)
	}
	return reply
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

func TestPlayingClaimsOwnershipAndStopsPrevious(t *testing.T) {
	client := startTestBus(t)
	svc, _ := startCoordinator(t, client)
	tab1 := newFakeTab(t, client, 1)
	tab2 := newFakeTab(t, client, 2)

	broadcast(t, client, playingState(1, "a.example.com"))
	waitCondition(t, func() bool { return svc.ActiveTab() == 1 }, "tab 1 to own playback")

	broadcast(t, client, playingState(2, "b.example.com"))
	waitCondition(t, func() bool { return svc.ActiveTab() == 2 }, "tab 2 to take over")
	tab1.waitVerb(t, protocol.TabAudioStop)

	// The loser's trailing stopped broadcast must not release the new owner.
	broadcast(t, client, protocol.EmptyState(1))
	time.Sleep(150 * time.Millisecond)
	st := playingState(2, "b.example.com")
	st.AudioTime = 7.5
	tab2.setState(st)
	reply := requestGlobalState(t, client)
	if reply.State == nil {
		t.Fatal("expected a global state, got null")
	}
	if reply.State.TabID != 2 || reply.State.AudioTime != 7.5 {
		t.Fatalf("unexpected global state: %+v", reply.State)
	}
	if svc.ActiveTab() != 2 {
		t.Fatalf("active tab = %d, want 2", svc.ActiveTab())
	}
}

func TestOwnerStoppedReleasesOwnership(t *testing.T) {
	client := startTestBus(t)
	svc, _ := startCoordinator(t, client)
	newFakeTab(t, client, 3)

	broadcast(t, client, playingState(3, "a.example.com"))
	waitCondition(t, func() bool { return svc.ActiveTab() == 3 }, "tab 3 to own playback")

	broadcast(t, client, protocol.EmptyState(3))
	waitCondition(t, func() bool { return svc.ActiveTab() == 0 }, "ownership release")

	reply := requestGlobalState(t, client)
	if reply.State != nil {
		t.Fatalf("expected null state after stop, got %+v", reply.State)
	}
}

func TestCommandRoutesToActiveTab(t *testing.T) {
	client := startTestBus(t)
	svc, _ := startCoordinator(t, client)

	ack := requestAck(t, client, protocol.SubjectCommand, protocol.CommandRequest{Command: protocol.CommandPause})
	if ack.Success || ack.Error != "no active tab" {
		t.Fatalf("expected no-active-tab failure, got %+v", ack)
	}

	tab := newFakeTab(t, client, 7)
	broadcast(t, client, playingState(7, "a.example.com"))
	waitCondition(t, func() bool { return svc.ActiveTab() == 7 }, "tab 7 to own playback")

	ack = requestAck(t, client, protocol.SubjectCommand, protocol.CommandRequest{Command: protocol.CommandPause})
	if !ack.Success {
		t.Fatalf("pause failed: %s", ack.Error)
	}
	tab.waitVerb(t, protocol.TabAudioPause)

	ack = requestAck(t, client, protocol.SubjectSeekCommand, protocol.SeekRequest{Time: 12.5})
	if !ack.Success {
		t.Fatalf("seek failed: %s", ack.Error)
	}
	select {
	case req := <-tab.seeks:
		if req.Time != 12.5 {
			t.Fatalf("seek time = %v, want 12.5", req.Time)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for seek")
	}

	ack = requestAck(t, client, protocol.SubjectCommand, protocol.CommandRequest{Command: "rewind"})
	if ack.Success || !strings.Contains(ack.Error, "unknown command") {
		t.Fatalf("expected unknown command failure, got %+v", ack)
	}

	ack = requestAck(t, client, protocol.SubjectSeekCommand, protocol.SeekRequest{Time: -1})
	if ack.Success {
		t.Fatal("negative seek should fail")
	}
}

func TestGlobalStatePrefersFreshPullAndFallsBackToCache(t *testing.T) {
	client := startTestBus(t)
	svc, _ := startCoordinator(t, client)

	if reply := requestGlobalState(t, client); reply.State != nil {
		t.Fatalf("expected null state with no owner, got %+v", reply.State)
	}

	tab := newFakeTab(t, client, 4)
	broadcast(t, client, playingState(4, "a.example.com"))
	waitCondition(t, func() bool { return svc.ActiveTab() == 4 }, "tab 4 to own playback")

	fresh := playingState(4, "a.example.com")
	fresh.Status = protocol.StatusPaused
	fresh.AudioTime = 4.2
	tab.setState(fresh)

	reply := requestGlobalState(t, client)
	if reply.State == nil || reply.State.Status != protocol.StatusPaused {
		t.Fatalf("expected fresh paused state, got %+v", reply.State)
	}

	// A busy owner times out; the cached copy of the last answer serves.
	tab.silence()
	reply = requestGlobalState(t, client)
	if reply.State == nil || reply.State.Status != protocol.StatusPaused || reply.State.AudioTime != 4.2 {
		t.Fatalf("expected cached state, got %+v", reply.State)
	}
	if svc.ActiveTab() != 4 {
		t.Fatalf("busy owner should keep ownership, active = %d", svc.ActiveTab())
	}
}

func TestGlobalStateClearsVanishedOwner(t *testing.T) {
	client := startTestBus(t)
	svc, _ := startCoordinator(t, client)

	broadcast(t, client, playingState(11, "a.example.com"))
	waitCondition(t, func() bool { return svc.ActiveTab() == 11 }, "tab 11 to own playback")

	reply := requestGlobalState(t, client)
	if reply.State != nil {
		t.Fatalf("expected null state for vanished owner, got %+v", reply.State)
	}
	if svc.ActiveTab() != 0 {
		t.Fatalf("vanished owner should be dropped, active = %d", svc.ActiveTab())
	}
}

func TestLoadStopsPreviousOwnerAndRelaysAck(t *testing.T) {
	client := startTestBus(t)
	svc, _ := startCoordinator(t, client)
	tab4 := newFakeTab(t, client, 4)
	tab9 := newFakeTab(t, client, 9)

	broadcast(t, client, playingState(4, "old.example.com"))
	waitCondition(t, func() bool { return svc.ActiveTab() == 4 }, "tab 4 to own playback")

	ack := requestAck(t, client, protocol.SubjectLoadCommand, protocol.LoadRequest{
		TabID:    9,
		Text:     "hello world",
		Website:  "news.example.com",
		AutoPlay: true,
	})
	if !ack.Success {
		t.Fatalf("load failed: %s", ack.Error)
	}
	tab4.waitVerb(t, protocol.TabAudioStop)
	select {
	case req := <-tab9.loads:
		if req.Text != "hello world" || !req.AutoPlay {
			t.Fatalf("unexpected load request: %+v", req)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for load")
	}

	ack = requestAck(t, client, protocol.SubjectLoadCommand, protocol.LoadRequest{Text: "x"})
	if ack.Success || ack.Error != "no target tab" {
		t.Fatalf("expected no-target failure, got %+v", ack)
	}
	ack = requestAck(t, client, protocol.SubjectLoadCommand, protocol.LoadRequest{TabID: 9, Text: "   "})
	if ack.Success || ack.Error != "nothing to read" {
		t.Fatalf("expected empty-text failure, got %+v", ack)
	}
	ack = requestAck(t, client, protocol.SubjectLoadCommand, protocol.LoadRequest{TabID: 55, Text: "x"})
	if ack.Success || ack.Error != "tab unreachable" {
		t.Fatalf("expected unreachable failure, got %+v", ack)
	}
}

func TestTabClosedClearsOwnerAndSnapshot(t *testing.T) {
	client := startTestBus(t)
	svc, kv := startCoordinator(t, client)

	broadcast(t, client, playingState(6, "a.example.com"))
	waitCondition(t, func() bool { return svc.ActiveTab() == 6 }, "tab 6 to own playback")

	ctx := context.Background()
	if err := store.SaveSnapshot(ctx, kv, playingState(6, "a.example.com")); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	err := client.Publish(protocol.SubjectTabClosed, protocol.TabClosed{TabID: 6, Timestamp: time.Now().UTC()})
	if err != nil {
		t.Fatalf("publish tab closed: %v", err)
	}

	waitCondition(t, func() bool { return svc.ActiveTab() == 0 }, "ownership cleanup")
	waitCondition(t, func() bool {
		snap, err := store.LoadSnapshot(ctx, kv)
		return err == nil && snap == nil
	}, "snapshot removal")
}

func TestHistoryReportsJournaledSessions(t *testing.T) {
	client := startTestBus(t)
	_, _ = startCoordinator(t, client)

	loading := protocol.PlaybackState{Status: protocol.StatusLoading, Website: "read.example.com", TabID: 1}
	broadcast(t, client, loading)
	broadcast(t, client, playingState(1, "read.example.com"))
	broadcast(t, client, protocol.EmptyState(1))

	var sessions []protocol.HistorySession
	waitCondition(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := client.Request(ctx, protocol.SubjectHistory, protocol.HistoryRequest{Limit: 5}, &sessions); err != nil {
			return false
		}
		return len(sessions) == 1
	}, "journaled session")
	if sessions[0].TabID != 1 || sessions[0].Website != "read.example.com" {
		t.Fatalf("unexpected session: %+v", sessions[0])
	}
	if sessions[0].SessionID == "" {
		t.Fatal("session id should not be empty")
	}

	// A second load cycle opens a second session.
	broadcast(t, client, loading)
	waitCondition(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := client.Request(ctx, protocol.SubjectHistory, protocol.HistoryRequest{Limit: 5}, &sessions); err != nil {
			return false
		}
		return len(sessions) == 2
	}, "second journaled session")
}
