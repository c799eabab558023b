package player

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/autovoice/autovoice-core/internal/bus"
	"github.com/autovoice/autovoice-core/internal/config"
	"github.com/autovoice/autovoice-core/internal/media"
	"github.com/autovoice/autovoice-core/internal/natsserver"
	"github.com/autovoice/autovoice-core/internal/protocol"
	"github.com/autovoice/autovoice-core/internal/store"
)

const testTabID = 5

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

func defaultCfg() config.PlayerConfig {
	return config.PlayerConfig{
		Mode:              "auto",
		AppendThreshold:   3,
		PositionInterval:  250,
		SourceOpenTimeout: 3000,
		ClockInterval:     100,
	}
}

type ctrlEvent struct {
	port string
	msg  protocol.PortMessage
}

type harness struct {
	t      *testing.T
	client *bus.Client
	kv     store.KV
	elem   *fakeElement
	svc    *Service
	states chan protocol.StateUpdate
	ctrl   chan ctrlEvent
}

func newHarness(t *testing.T, supports bool, cfg config.PlayerConfig) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		client: startTestBus(t),
		kv:     store.NewMemory(),
		elem:   newFakeElement(supports),
		states: make(chan protocol.StateUpdate, 64),
		ctrl:   make(chan ctrlEvent, 64),
	}

	stateSub, err := h.client.Conn().Subscribe(protocol.SubjectStateBroadcast, func(msg *nats.Msg) {
		var update protocol.StateUpdate
		if json.Unmarshal(msg.Data, &update) == nil {
			h.states <- update
		}
	})
	if err != nil {
		t.Fatalf("subscribe broadcasts: %v", err)
	}
	t.Cleanup(func() { _ = stateSub.Drain() })

	ctrlSub, err := h.client.Conn().Subscribe(protocol.StreamCtrlWildcard, func(msg *nats.Msg) {
		var envelope protocol.PortMessage
		if json.Unmarshal(msg.Data, &envelope) == nil {
			h.ctrl <- ctrlEvent{port: protocol.PortFromSubject(msg.Subject), msg: envelope}
		}
	})
	if err != nil {
		t.Fatalf("subscribe stream ctrl: %v", err)
	}
	t.Cleanup(func() { _ = ctrlSub.Drain() })

	h.svc = NewService(context.Background(), cfg, h.client, h.kv, h.elem, testTabID, newLogger())
	if err := h.svc.Start(); err != nil {
		t.Fatalf("start player: %v", err)
	}
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) requestAck(verb string, in any) protocol.Ack {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var ack protocol.Ack
	if err := h.client.Request(ctx, protocol.TabAudioSubject(testTabID, verb), in, &ack); err != nil {
		h.t.Fatalf("request %s: %v", verb, err)
	}
	return ack
}

func (h *harness) requestState() protocol.StateReply {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply protocol.StateReply
	if err := h.client.Request(ctx, protocol.TabAudioSubject(testTabID, protocol.TabAudioGetState), nil, &reply); err != nil {
		h.t.Fatalf("request state: %v", err)
	}
	return reply
}

func (h *harness) waitStatus(status protocol.PlaybackStatus) protocol.PlaybackState {
	h.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case update := <-h.states:
			if update.State.Status == status {
				return update.State
			}
		case <-deadline:
			h.t.Fatalf("no %s broadcast arrived", status)
		}
	}
}

func (h *harness) drainStates() {
	for {
		select {
		case <-h.states:
		default:
			return
		}
	}
}

// load sends a load request and returns the stream port the player opened.
func (h *harness) load(autoPlay bool) string {
	h.t.Helper()
	ack := h.requestAck(protocol.TabAudioLoad, protocol.LoadRequest{
		Text:        "read this text",
		Website:     "news.example.com",
		Description: "Front page",
		AutoPlay:    autoPlay,
	})
	if !ack.Success {
		h.t.Fatalf("load rejected: %s", ack.Error)
	}
	h.waitStatus(protocol.StatusLoading)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-h.ctrl:
			if evt.msg.Type == protocol.PortStart {
				if evt.msg.TabID != testTabID {
					h.t.Fatalf("start carries tab %d, want %d", evt.msg.TabID, testTabID)
				}
				return evt.port
			}
		case <-deadline:
			h.t.Fatalf("no start message on stream ctrl")
		}
	}
}

// openSource delivers the source-open event and returns the segment buffer
// the player will append into.
func (h *harness) openSource() *fakeBuffer {
	h.t.Helper()
	h.elem.emit(media.Event{Kind: media.EventSourceOpen})
	src := h.elem.source()
	if src == nil {
		h.t.Fatalf("media source was not opened")
	}
	return src.buffer
}

func (h *harness) pushChunk(port string, data []byte) {
	h.t.Helper()
	if err := h.client.Publish(protocol.StreamDataSubject(port), protocol.PortMessage{Type: protocol.PortChunk, Data: data}); err != nil {
		h.t.Fatalf("publish chunk: %v", err)
	}
}

func (h *harness) pushDone(port string) {
	h.t.Helper()
	if err := h.client.Publish(protocol.StreamDataSubject(port), protocol.PortMessage{Type: protocol.PortDone}); err != nil {
		h.t.Fatalf("publish done: %v", err)
	}
}

func waitAppend(t *testing.T, buffer *fakeBuffer) []byte {
	t.Helper()
	select {
	case data := <-buffer.appends:
		return data
	case <-time.After(3 * time.Second):
		t.Fatalf("no append reached the segment buffer")
		return nil
	}
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

func TestProgressiveAutoplayAtThreshold(t *testing.T) {
	h := newHarness(t, true, defaultCfg())
	port := h.load(true)
	buffer := h.openSource()

	for i := 0; i < 3; i++ {
		h.pushChunk(port, []byte{byte(i + 1)})
	}
	for i := 0; i < 3; i++ {
		waitAppend(t, buffer)
		if h.elem.plays() != 0 {
			t.Fatalf("playback started before the threshold")
		}
		buffer.complete(h.elem, 8)
	}

	st := h.waitStatus(protocol.StatusPlaying)
	if !st.HasAudio {
		t.Fatalf("expected has_audio once playing")
	}
	if math.Abs(st.AudioDuration-24) > 1e-9 {
		t.Fatalf("expected 24s buffered, got %f", st.AudioDuration)
	}
	if h.elem.plays() != 1 {
		t.Fatalf("expected one play call, got %d", h.elem.plays())
	}

	h.pushDone(port)
	waitCondition(t, func() bool {
		src := h.elem.source()
		return src != nil && src.isEnded()
	}, "end of stream")
}

func TestLoadWithoutAutoplayParksPaused(t *testing.T) {
	h := newHarness(t, true, defaultCfg())
	port := h.load(false)
	buffer := h.openSource()

	for i := 0; i < 3; i++ {
		h.pushChunk(port, []byte{byte(i + 1)})
	}
	for i := 0; i < 3; i++ {
		waitAppend(t, buffer)
		buffer.complete(h.elem, 8)
	}

	st := h.waitStatus(protocol.StatusPaused)
	if !st.HasAudio {
		t.Fatalf("expected has_audio while parked")
	}
	if h.elem.plays() != 0 {
		t.Fatalf("autoplay off must not start playback")
	}

	if ack := h.requestAck(protocol.TabAudioPlay, nil); !ack.Success {
		t.Fatalf("play rejected: %s", ack.Error)
	}
	h.waitStatus(protocol.StatusPlaying)
	if h.elem.plays() != 1 {
		t.Fatalf("expected one play call, got %d", h.elem.plays())
	}
}

func TestShortStreamStartsOnCompletion(t *testing.T) {
	h := newHarness(t, true, defaultCfg())
	port := h.load(true)
	buffer := h.openSource()

	h.pushChunk(port, []byte("only chunk"))
	waitAppend(t, buffer)
	h.pushDone(port)
	buffer.complete(h.elem, 8)

	st := h.waitStatus(protocol.StatusPlaying)
	if !st.HasAudio {
		t.Fatalf("expected playable audio from a short stream")
	}
	src := h.elem.source()
	if src == nil || !src.isEnded() {
		t.Fatalf("expected end of stream before playback")
	}
}

func TestEmptyStreamResetsToStopped(t *testing.T) {
	h := newHarness(t, true, defaultCfg())
	port := h.load(true)
	h.openSource()

	h.pushDone(port)

	st := h.waitStatus(protocol.StatusStopped)
	if st.HasAudio || st.Error != "" {
		t.Fatalf("expected clean empty state, got %+v", st)
	}
	if h.elem.plays() != 0 {
		t.Fatalf("nothing should have played")
	}
}

func TestStreamErrorStopsWithMessage(t *testing.T) {
	h := newHarness(t, true, defaultCfg())
	port := h.load(true)
	h.openSource()

	err := h.client.Publish(protocol.StreamDataSubject(port), protocol.PortMessage{Type: protocol.PortError, Error: "Not authenticated"})
	if err != nil {
		t.Fatalf("publish error: %v", err)
	}

	st := h.waitStatus(protocol.StatusStopped)
	if st.Error != "Not authenticated" {
		t.Fatalf("expected relayed error, got %q", st.Error)
	}

	if ack := h.requestAck(protocol.TabAudioPlay, nil); ack.Success || ack.Error != "no audio loaded" {
		t.Fatalf("expected no-audio rejection, got %+v", ack)
	}
}

func TestStopAbortsStreamAndPersists(t *testing.T) {
	h := newHarness(t, true, defaultCfg())
	port := h.load(true)
	buffer := h.openSource()

	for i := 0; i < 3; i++ {
		h.pushChunk(port, []byte{byte(i + 1)})
	}
	for i := 0; i < 3; i++ {
		waitAppend(t, buffer)
		buffer.complete(h.elem, 8)
	}
	h.waitStatus(protocol.StatusPlaying)

	if ack := h.requestAck(protocol.TabAudioStop, nil); !ack.Success {
		t.Fatalf("stop rejected: %s", ack.Error)
	}
	st := h.waitStatus(protocol.StatusStopped)
	if st.HasAudio || st.Website != "" {
		t.Fatalf("expected empty state after stop, got %+v", st)
	}

	// Stop tells the gateway to abandon the fetch.
	deadline := time.After(3 * time.Second)
	for {
		var evt ctrlEvent
		select {
		case evt = <-h.ctrl:
		case <-deadline:
			t.Fatalf("no abort message on stream ctrl")
		}
		if evt.msg.Type == protocol.PortAbort && evt.port == port {
			break
		}
	}

	waitCondition(t, func() bool {
		snap, err := store.LoadSnapshot(context.Background(), h.kv)
		return err == nil && snap != nil && snap.Status == protocol.StatusStopped && !snap.HasAudio
	}, "persisted stop snapshot")

	// Stop with nothing loaded still succeeds.
	if ack := h.requestAck(protocol.TabAudioStop, nil); !ack.Success {
		t.Fatalf("repeated stop rejected: %s", ack.Error)
	}

	// A stale stream error arriving after the reset touches nothing.
	err := h.client.Publish(protocol.StreamDataSubject(port), protocol.PortMessage{Type: protocol.PortError, Error: "upstream gone"})
	if err != nil {
		t.Fatalf("publish stale error: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	reply := h.requestState()
	if reply.State == nil || reply.State.Status != protocol.StatusStopped || reply.State.Error != "" {
		t.Fatalf("stale error leaked into state: %+v", reply.State)
	}
}

func TestTransportRequiresAudio(t *testing.T) {
	h := newHarness(t, true, defaultCfg())

	for _, verb := range []string{protocol.TabAudioPlay, protocol.TabAudioPause, protocol.TabAudioRestart} {
		if ack := h.requestAck(verb, nil); ack.Success || ack.Error != "no audio loaded" {
			t.Fatalf("%s: expected no-audio rejection, got %+v", verb, ack)
		}
	}
	if ack := h.requestAck(protocol.TabAudioSeek, protocol.SeekRequest{Time: 3}); ack.Success {
		t.Fatalf("seek without audio must fail")
	}

	reply := h.requestState()
	if reply.State == nil || reply.State.Status != protocol.StatusStopped {
		t.Fatalf("expected stopped state reply, got %+v", reply.State)
	}
}

func TestSeekAndRestart(t *testing.T) {
	h := newHarness(t, true, defaultCfg())
	port := h.load(true)
	buffer := h.openSource()

	for i := 0; i < 3; i++ {
		h.pushChunk(port, []byte{byte(i + 1)})
	}
	for i := 0; i < 3; i++ {
		waitAppend(t, buffer)
		buffer.complete(h.elem, 8)
	}
	h.waitStatus(protocol.StatusPlaying)
	h.drainStates()

	if ack := h.requestAck(protocol.TabAudioSeek, protocol.SeekRequest{Time: 5.5}); !ack.Success {
		t.Fatalf("seek rejected: %s", ack.Error)
	}
	st := h.waitStatus(protocol.StatusPlaying)
	if math.Abs(st.AudioTime-5.5) > 1e-9 {
		t.Fatalf("expected position 5.5 after seek, got %f", st.AudioTime)
	}

	if ack := h.requestAck(protocol.TabAudioRestart, nil); !ack.Success {
		t.Fatalf("restart rejected: %s", ack.Error)
	}
	waitCondition(t, func() bool {
		reply := h.requestState()
		return reply.State != nil && reply.State.AudioTime == 0 && reply.State.Status == protocol.StatusPlaying
	}, "restart to rewind")
}

func TestPositionBroadcastsCoalesce(t *testing.T) {
	cfg := defaultCfg()
	cfg.PositionInterval = 60000
	h := newHarness(t, true, cfg)
	port := h.load(true)
	buffer := h.openSource()

	for i := 0; i < 3; i++ {
		h.pushChunk(port, []byte{byte(i + 1)})
	}
	for i := 0; i < 3; i++ {
		waitAppend(t, buffer)
		buffer.complete(h.elem, 8)
	}
	h.waitStatus(protocol.StatusPlaying)
	h.drainStates()

	// Inside the coalescing window a bare position tick is not broadcast.
	h.elem.emit(media.Event{Kind: media.EventTimeUpdate, Position: 3})
	time.Sleep(150 * time.Millisecond)
	select {
	case update := <-h.states:
		t.Fatalf("position-only update leaked through: %+v", update.State)
	default:
	}

	// Transitions always go out, regardless of the window.
	h.elem.emit(media.Event{Kind: media.EventWaiting, Position: 24})
	st := h.waitStatus(protocol.StatusBuffering)
	if math.Abs(st.AudioTime-24) > 1e-9 {
		t.Fatalf("expected stall position 24, got %f", st.AudioTime)
	}
	h.elem.emit(media.Event{Kind: media.EventCanPlay})
	h.waitStatus(protocol.StatusPlaying)
}

func TestClipModeAssemblesFullBuffer(t *testing.T) {
	h := newHarness(t, false, defaultCfg())
	h.elem.mu.Lock()
	h.elem.duration = 12.5
	h.elem.mu.Unlock()

	port := h.load(true)

	h.pushChunk(port, []byte("first half "))
	h.pushChunk(port, []byte("second half"))
	h.pushDone(port)

	st := h.waitStatus(protocol.StatusPlaying)
	if math.Abs(st.AudioDuration-12.5) > 1e-9 {
		t.Fatalf("expected probed duration 12.5, got %f", st.AudioDuration)
	}
	if got := string(h.elem.clipData()); got != "first half second half" {
		t.Fatalf("clip assembled %q", got)
	}
	if h.elem.plays() != 1 {
		t.Fatalf("expected one play call, got %d", h.elem.plays())
	}
}
