// Package player is the per-tab playback pipeline. It pulls an audio stream
// over a port, feeds the media element, runs the transport state machine and
// reports every transition as a broadcast plus a persisted snapshot.
package player

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/autovoice/autovoice-core/internal/bus"
	"github.com/autovoice/autovoice-core/internal/config"
	"github.com/autovoice/autovoice-core/internal/media"
	"github.com/autovoice/autovoice-core/internal/protocol"
	"github.com/autovoice/autovoice-core/internal/store"
)

// ErrNoAudio rejects transport commands that arrived before a load produced
// playable audio.
var ErrNoAudio = errors.New("no audio loaded")

// teardownGrace is how long media errors stay suppressed after a teardown;
// an interrupted append surfaces its failure within this window.
const teardownGrace = 250 * time.Millisecond

type Service struct {
	cfg    config.PlayerConfig
	bus    *bus.Client
	kv     store.KV
	elem   media.Element
	tabID  int
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    *nats.Subscription
	logger *slog.Logger

	mu          sync.Mutex
	state       protocol.PlaybackState
	gen         int
	progressive bool
	src         media.MediaSource
	sbuf        media.SegmentBuffer
	clipBuf     []byte
	pending     [][]byte
	appendCount int
	streamDone  bool
	finished    bool
	autoPlay    bool
	port        string
	portSub     *nats.Subscription

	suppressing   bool
	suppressTimer *time.Timer
	sourceTimer   *time.Timer
	lastBroadcast time.Time
	persistQueue  chan protocol.PlaybackState
}

func NewService(parent context.Context, cfg config.PlayerConfig, busClient *bus.Client, kv store.KV, elem media.Element, tabID int, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:          cfg,
		bus:          busClient,
		kv:           kv,
		elem:         elem,
		tabID:        tabID,
		ctx:          ctx,
		cancel:       cancel,
		state:        protocol.EmptyState(tabID),
		persistQueue: make(chan protocol.PlaybackState, 1),
		logger:       log.With(slog.String("component", "audio-player"), slog.Int("tab_id", tabID)),
	}
}

func (s *Service) Start() error {
	switch s.cfg.Mode {
	case "progressive":
		if !s.elem.SupportsMediaSource() {
			return errors.New("progressive mode requires media source support")
		}
		s.progressive = true
	case "clip":
		s.progressive = false
	case "auto", "":
		s.progressive = s.elem.SupportsMediaSource()
	default:
		return fmt.Errorf("unknown player mode %q", s.cfg.Mode)
	}

	s.elem.Subscribe(s.handleMediaEvent)

	sub, err := s.bus.Conn().Subscribe(protocol.TabAudioSubscription(s.tabID), s.handleCommand)
	if err != nil {
		return err
	}
	s.sub = sub

	s.wg.Add(1)
	go s.runPersister()

	s.logger.Info("player started", slog.Bool("progressive", s.progressive))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.mu.Lock()
	s.teardownLocked()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil }

// State returns a copy of the current playback state with a fresh position.
func (s *Service) State() protocol.PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	if st.HasAudio {
		st.AudioTime = s.elem.CurrentTime()
	}
	return st
}

// handleCommand dispatches one tab audio verb. NATS serializes deliveries per
// subscription, so commands never interleave with each other; only media
// events and port messages run concurrently with them.
func (s *Service) handleCommand(msg *nats.Msg) {
	switch protocol.SubjectVerb(msg.Subject) {
	case protocol.TabAudioLoad:
		var req protocol.LoadRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("failed to decode load request", slogError(err))
			s.respondAck(msg, errors.New("invalid load request"))
			return
		}
		s.handleLoad(msg, req)
	case protocol.TabAudioPlay:
		s.mu.Lock()
		err := s.playLocked()
		s.mu.Unlock()
		s.respondAck(msg, err)
	case protocol.TabAudioPause:
		s.mu.Lock()
		err := s.pauseLocked()
		s.mu.Unlock()
		s.respondAck(msg, err)
	case protocol.TabAudioRestart:
		s.mu.Lock()
		err := s.restartLocked()
		s.mu.Unlock()
		s.respondAck(msg, err)
	case protocol.TabAudioStop:
		s.mu.Lock()
		s.resetLocked("")
		s.mu.Unlock()
		s.respondAck(msg, nil)
	case protocol.TabAudioSeek:
		var req protocol.SeekRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("failed to decode seek request", slogError(err))
			s.respondAck(msg, errors.New("invalid seek request"))
			return
		}
		s.mu.Lock()
		err := s.seekLocked(req.Time)
		s.mu.Unlock()
		s.respondAck(msg, err)
	case protocol.TabAudioGetState:
		st := s.State()
		s.respondState(msg, st)
	default:
		s.logger.Warn("unknown audio command", slog.String("subject", msg.Subject))
		s.respondAck(msg, errors.New("unknown command"))
	}
}

// handleLoad tears down whatever played before, opens a fresh stream port and
// wires it into the media pipeline. The ack means the load was accepted, not
// that audio is ready.
func (s *Service) handleLoad(msg *nats.Msg, req protocol.LoadRequest) {
	s.mu.Lock()
	s.teardownLocked()
	s.gen++
	gen := s.gen
	s.autoPlay = req.AutoPlay
	s.state = protocol.PlaybackState{
		Website:     req.Website,
		Description: req.Description,
		Status:      protocol.StatusLoading,
		TabID:       s.tabID,
	}
	s.broadcastLocked(true)

	port := protocol.NewStreamPortName()
	portSub, err := s.bus.Conn().Subscribe(protocol.StreamDataSubject(port), s.handlePortMessage)
	if err != nil {
		s.logger.Warn("failed to subscribe stream port", slogError(err))
		s.failPlaybackLocked("could not open audio stream")
		s.mu.Unlock()
		s.respondAck(msg, errors.New("could not open audio stream"))
		return
	}
	s.port = port
	s.portSub = portSub

	if s.progressive {
		src, err := s.elem.OpenMediaSource()
		if err != nil {
			s.logger.Warn("media source rejected", slogError(err))
			s.failPlaybackLocked("audio pipeline unavailable")
			s.mu.Unlock()
			s.respondAck(msg, errors.New("audio pipeline unavailable"))
			return
		}
		s.src = src
		s.sourceTimer = time.AfterFunc(time.Duration(s.cfg.SourceOpenTimeout)*time.Millisecond, func() {
			s.sourceOpenTimedOut(gen)
		})
	}

	start := protocol.PortMessage{Type: protocol.PortStart, Text: req.Text, TabID: s.tabID}
	if err := s.bus.Publish(protocol.StreamCtrlSubject(port), start); err != nil {
		s.logger.Warn("failed to start stream", slogError(err))
		s.failPlaybackLocked("could not reach audio stream")
		s.mu.Unlock()
		s.respondAck(msg, errors.New("could not reach audio stream"))
		return
	}

	s.logger.Info("audio load started",
		slog.String("port", port),
		slog.String("website", req.Website),
		slog.Bool("auto_play", req.AutoPlay))
	s.mu.Unlock()
	s.respondAck(msg, nil)
}

func (s *Service) handlePortMessage(msg *nats.Msg) {
	var envelope protocol.PortMessage
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		s.logger.Warn("failed to decode port message", slogError(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == "" {
		return // port already torn down; late delivery
	}

	switch envelope.Type {
	case protocol.PortChunk:
		if len(envelope.Data) == 0 {
			return
		}
		if s.progressive {
			s.pending = append(s.pending, envelope.Data)
			s.drainLocked()
		} else {
			s.clipBuf = append(s.clipBuf, envelope.Data...)
		}
	case protocol.PortDone:
		s.streamDone = true
		if s.progressive {
			s.drainLocked()
		} else {
			s.finishClipLocked()
		}
	case protocol.PortError:
		s.logger.Warn("stream reported failure", slog.String("error", envelope.Error))
		s.failPlaybackLocked(envelope.Error)
	}
}

func (s *Service) handleMediaEvent(evt media.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch evt.Kind {
	case media.EventSourceOpen:
		if s.src == nil || s.sbuf != nil {
			return
		}
		sbuf, err := s.src.NewSegmentBuffer("audio/mpeg")
		if err != nil {
			s.logger.Warn("segment buffer rejected", slogError(err))
			s.failPlaybackLocked("audio pipeline unavailable")
			return
		}
		s.sbuf = sbuf
		if s.sourceTimer != nil {
			s.sourceTimer.Stop()
			s.sourceTimer = nil
		}
		s.drainLocked()

	case media.EventAppendEnd:
		if s.sbuf == nil {
			return
		}
		s.appendCount++
		s.state.AudioDuration = s.elem.Duration()
		if s.state.Status == protocol.StatusLoading && s.appendCount >= s.cfg.AppendThreshold {
			s.beginPlaybackLocked()
		} else {
			s.broadcastLocked(false)
		}
		s.drainLocked()

	case media.EventTimeUpdate:
		if s.state.Status != protocol.StatusPlaying && s.state.Status != protocol.StatusBuffering {
			return
		}
		s.state.AudioTime = evt.Position
		s.state.AudioDuration = s.elem.Duration()
		s.broadcastLocked(false)

	case media.EventWaiting:
		if s.state.Status != protocol.StatusPlaying {
			return
		}
		s.state.AudioTime = evt.Position
		s.state.Status = protocol.StatusBuffering
		s.broadcastLocked(true)

	case media.EventCanPlay:
		if s.state.Status != protocol.StatusBuffering {
			return
		}
		s.state.Status = protocol.StatusPlaying
		s.broadcastLocked(true)

	case media.EventEnded:
		s.state.AudioTime = evt.Position
		s.resetLocked("")

	case media.EventError:
		if s.suppressing || s.state.Status == protocol.StatusStopped {
			// Our own teardown interrupted the pipeline; not a failure.
			return
		}
		s.logger.Warn("media pipeline error", slogError(evt.Err))
		s.failPlaybackLocked("audio playback failed")
	}
}

// drainLocked feeds the next pending chunk into the segment buffer. Exactly
// one append runs at a time; completion re-enters through EventAppendEnd.
func (s *Service) drainLocked() {
	if s.sbuf == nil || s.sbuf.Appending() {
		return
	}
	if len(s.pending) == 0 {
		if s.streamDone && !s.finished {
			s.finishStreamLocked()
		}
		return
	}
	chunk := s.pending[0]
	s.pending = s.pending[1:]
	if err := s.sbuf.Append(chunk); err != nil {
		s.logger.Warn("append failed", slogError(err))
	}
}

// finishStreamLocked runs once after the last pending chunk was appended.
func (s *Service) finishStreamLocked() {
	s.finished = true
	if s.appendCount == 0 {
		// The stream carried no audio at all.
		s.resetLocked("")
		return
	}
	if s.src != nil {
		s.src.EndOfStream()
	}
	s.state.AudioDuration = s.elem.Duration()
	if s.state.Status == protocol.StatusLoading {
		// Stream ended below the play threshold; it is still playable.
		s.beginPlaybackLocked()
	} else {
		s.broadcastLocked(true)
	}
}

func (s *Service) finishClipLocked() {
	s.finished = true
	if len(s.clipBuf) == 0 {
		s.resetLocked("")
		return
	}
	duration, err := s.elem.SetClip(s.clipBuf)
	if err != nil {
		s.logger.Warn("clip rejected", slogError(err))
		s.failPlaybackLocked("audio decode failed")
		return
	}
	s.clipBuf = nil
	s.state.AudioDuration = duration
	s.beginPlaybackLocked()
}

// beginPlaybackLocked flips the session from loading to its first playable
// state: playing when the load asked for autoplay, parked in paused otherwise.
func (s *Service) beginPlaybackLocked() {
	s.state.HasAudio = true
	if s.autoPlay {
		if err := s.elem.Play(); err != nil {
			s.logger.Warn("playback start failed", slogError(err))
			s.failPlaybackLocked("audio playback failed")
			return
		}
		s.state.Status = protocol.StatusPlaying
	} else {
		s.state.Status = protocol.StatusPaused
	}
	s.broadcastLocked(true)
}

func (s *Service) playLocked() error {
	if !s.state.HasAudio {
		return ErrNoAudio
	}
	if err := s.elem.Play(); err != nil {
		return ErrNoAudio
	}
	s.state.Status = protocol.StatusPlaying
	s.broadcastLocked(true)
	return nil
}

func (s *Service) pauseLocked() error {
	if !s.state.HasAudio {
		return ErrNoAudio
	}
	s.elem.Pause()
	s.state.AudioTime = s.elem.CurrentTime()
	s.state.Status = protocol.StatusPaused
	s.broadcastLocked(true)
	return nil
}

func (s *Service) restartLocked() error {
	if !s.state.HasAudio {
		return ErrNoAudio
	}
	s.state.AudioTime = s.elem.Seek(0)
	if err := s.elem.Play(); err != nil {
		return ErrNoAudio
	}
	s.state.Status = protocol.StatusPlaying
	s.broadcastLocked(true)
	return nil
}

func (s *Service) seekLocked(seconds float64) error {
	if !s.state.HasAudio {
		return ErrNoAudio
	}
	s.state.AudioTime = s.elem.Seek(seconds)
	s.broadcastLocked(true)
	return nil
}

func (s *Service) sourceOpenTimedOut(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.sbuf != nil || s.state.Status != protocol.StatusLoading {
		return
	}
	s.logger.Warn("media source never opened")
	s.failPlaybackLocked("audio pipeline init timed out")
}

// failPlaybackLocked tears the session down and reports the cause.
func (s *Service) failPlaybackLocked(message string) {
	s.resetLocked(message)
}

// resetLocked returns the player to the empty stopped state, releasing every
// session resource first. With a non-empty message the reset carries an error.
func (s *Service) resetLocked(message string) {
	s.teardownLocked()
	st := protocol.EmptyState(s.tabID)
	st.Error = message
	s.state = st
	s.broadcastLocked(true)
}

// teardownLocked releases the stream port and detaches the element without
// touching the reported state. Media errors raised by the interruption are
// suppressed for a grace period.
func (s *Service) teardownLocked() {
	if s.sourceTimer != nil {
		s.sourceTimer.Stop()
		s.sourceTimer = nil
	}
	if s.port != "" {
		abort := protocol.PortMessage{Type: protocol.PortAbort}
		if err := s.bus.Publish(protocol.StreamCtrlSubject(s.port), abort); err != nil {
			s.logger.Warn("failed to abort stream", slogError(err))
		}
		s.port = ""
	}
	if s.portSub != nil {
		_ = s.portSub.Unsubscribe()
		s.portSub = nil
	}

	s.suppressing = true
	if s.suppressTimer != nil {
		s.suppressTimer.Stop()
	}
	s.suppressTimer = time.AfterFunc(teardownGrace, func() {
		s.mu.Lock()
		s.suppressing = false
		s.mu.Unlock()
	})

	s.elem.Pause()
	s.elem.Detach()
	s.src = nil
	s.sbuf = nil
	s.pending = nil
	s.clipBuf = nil
	s.appendCount = 0
	s.streamDone = false
	s.finished = false
	s.autoPlay = false
}

// broadcastLocked publishes the current state and queues it for persistence.
// Position-only updates coalesce to the configured interval; transitions
// always go out.
func (s *Service) broadcastLocked(force bool) {
	now := time.Now()
	if !force && now.Sub(s.lastBroadcast) < time.Duration(s.cfg.PositionInterval)*time.Millisecond {
		return
	}
	s.lastBroadcast = now

	update := protocol.StateUpdate{State: s.state, Timestamp: now.UTC()}
	if err := s.bus.Publish(protocol.SubjectStateBroadcast, update); err != nil {
		s.logger.Warn("failed to broadcast state", slogError(err))
	}
	s.queuePersistLocked()
}

// queuePersistLocked hands the latest state to the persister, replacing any
// not-yet-written one. The single writer keeps snapshot order.
func (s *Service) queuePersistLocked() {
	for {
		select {
		case s.persistQueue <- s.state:
			return
		default:
			select {
			case <-s.persistQueue:
			default:
			}
		}
	}
}

func (s *Service) runPersister() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case st := <-s.persistQueue:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := store.SaveSnapshot(ctx, s.kv, st); err != nil {
				s.logger.Warn("failed to persist snapshot", slogError(err))
			}
			cancel()
		}
	}
}

func (s *Service) respondAck(msg *nats.Msg, cause error) {
	ack := protocol.Ack{Success: cause == nil}
	if cause != nil {
		ack.Error = cause.Error()
	}
	data, err := json.Marshal(ack)
	if err != nil {
		s.logger.Warn("failed to marshal ack", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond", slogError(err))
	}
}

func (s *Service) respondState(msg *nats.Msg, st protocol.PlaybackState) {
	data, err := json.Marshal(protocol.StateReply{State: &st})
	if err != nil {
		s.logger.Warn("failed to marshal state reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
