// Package coordinator arbitrates which tab owns audio playback and routes
// transport commands to it. It ingests every tab's state broadcasts, keeps a
// cached copy of the owner's last known state so queries have an answer while
// the owner is busy, and journals session transitions for history queries.
// Ownership moves when a tab broadcasts playing; the previous owner gets a
// best-effort stop so two tabs never speak at once.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/autovoice/autovoice-core/internal/bus"
	"github.com/autovoice/autovoice-core/internal/config"
	"github.com/autovoice/autovoice-core/internal/journal"
	"github.com/autovoice/autovoice-core/internal/protocol"
	"github.com/autovoice/autovoice-core/internal/store"
)

// journalTabClosed is the terminal pseudo-state written when a tab
// disappears without ever broadcasting stopped.
const journalTabClosed = "closed"

type Service struct {
	cfg     config.CoordinatorConfig
	bus     *bus.Client
	kv      store.KV
	journal *journal.Store
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	subs    []*nats.Subscription

	mu        sync.Mutex
	activeTab int
	record    *protocol.PlaybackState
	sessions  map[int]*tabSession

	meter    metric.Meter
	tabGauge metric.Int64ObservableGauge
}

// tabSession tracks the journal session for one tab's current load cycle.
type tabSession struct {
	id         string
	lastStatus protocol.PlaybackStatus
}

func NewService(parent context.Context, cfg config.CoordinatorConfig, busClient *bus.Client, journalStore *journal.Store, kv store.KV, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:      cfg,
		bus:      busClient,
		kv:       kv,
		journal:  journalStore,
		logger:   logger.With(slog.String("component", "coordinator")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[int]*tabSession),
		meter:    otel.Meter("github.com/autovoice/autovoice-core/runtime"),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	handlers := []struct {
		subject string
		cb      nats.MsgHandler
	}{
		{protocol.SubjectStateBroadcast, s.handleStateUpdate},
		{protocol.SubjectCommand, s.handleCommand},
		{protocol.SubjectSeekCommand, s.handleSeek},
		{protocol.SubjectLoadCommand, s.handleLoad},
		{protocol.SubjectGlobalState, s.handleGlobalState},
		{protocol.SubjectHistory, s.handleHistory},
		{protocol.SubjectTabClosed, s.handleTabClosed},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.cb)
		if err != nil {
			for _, prev := range s.subs {
				_ = prev.Drain()
			}
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) > 0
}

// ActiveTab returns the id of the tab that currently owns playback, or zero.
func (s *Service) ActiveTab() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTab
}

// handleStateUpdate ingests a tab broadcast. A playing broadcast claims
// ownership and triggers a best-effort stop of any previous owner; the
// owner's stopped broadcast releases it. Broadcasts from non-owning tabs in
// any other state leave the record alone, so a takeover survives the loser's
// trailing stopped announcement.
func (s *Service) handleStateUpdate(msg *nats.Msg) {
	var update protocol.StateUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		s.logger.Warn("failed to decode state broadcast", slogError(err))
		return
	}
	st := update.State
	if st.TabID == 0 {
		return
	}

	s.mu.Lock()
	sess := s.sessions[st.TabID]
	fresh := sess == nil || (st.Status == protocol.StatusLoading && sess.lastStatus != protocol.StatusLoading)
	if fresh {
		sess = &tabSession{id: uuid.NewString(), lastStatus: st.Status}
		s.sessions[st.TabID] = sess
	}
	changed := fresh || sess.lastStatus != st.Status
	sess.lastStatus = st.Status
	sessionID := sess.id

	var stopTarget int
	switch {
	case st.Status == protocol.StatusPlaying:
		if s.activeTab != 0 && s.activeTab != st.TabID {
			stopTarget = s.activeTab
		}
		s.activeTab = st.TabID
		rec := st
		s.record = &rec
	case st.TabID == s.activeTab:
		if st.Status == protocol.StatusStopped {
			s.activeTab = 0
			s.record = nil
		} else {
			rec := st
			s.record = &rec
		}
	}
	s.mu.Unlock()

	if stopTarget != 0 {
		s.logger.Info("tab took over playback",
			slog.Int("tab_id", st.TabID),
			slog.Int("previous_tab_id", stopTarget))
		s.wg.Add(1)
		go func(prev int) {
			defer s.wg.Done()
			if err := s.stopTab(prev); err != nil {
				s.logger.Warn("could not stop previous tab",
					slog.Int("tab_id", prev), slogError(err))
			}
		}(stopTarget)
	}

	if fresh {
		s.journalSession(sessionID, st)
	}
	if changed {
		s.journalEvent(sessionID, st, string(st.Status))
	}
}

func (s *Service) handleCommand(msg *nats.Msg) {
	var req protocol.CommandRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondAck(msg, errors.New("invalid command request"))
		return
	}
	if !protocol.ValidCommand(req.Command) {
		s.respondAck(msg, fmt.Errorf("unknown command %q", req.Command))
		return
	}
	s.forwardToOwner(msg, string(req.Command), nil)
}

func (s *Service) handleSeek(msg *nats.Msg) {
	var req protocol.SeekRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondAck(msg, errors.New("invalid seek request"))
		return
	}
	if req.Time < 0 {
		s.respondAck(msg, errors.New("seek time must be non-negative"))
		return
	}
	s.forwardToOwner(msg, protocol.TabAudioSeek, req)
}

// forwardToOwner relays a transport request to the active tab and echoes the
// tab's ack back to the caller. A vanished tab releases the record; the next
// broadcast re-establishes it.
func (s *Service) forwardToOwner(msg *nats.Msg, verb string, payload any) {
	s.mu.Lock()
	active := s.activeTab
	s.mu.Unlock()
	if active == 0 {
		s.respondAck(msg, errors.New("no active tab"))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.commandTimeout())
	defer cancel()

	var ack protocol.Ack
	if err := s.bus.Request(ctx, protocol.TabAudioSubject(active, verb), payload, &ack); err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			s.dropTab(active)
		}
		s.logger.Warn("active tab unreachable",
			slog.Int("tab_id", active), slog.String("verb", verb), slogError(err))
		s.respondAck(msg, errors.New("tab unreachable"))
		return
	}
	s.respond(msg, ack)
}

// handleGlobalState answers the shared "what is playing" query. With no owner
// the reply carries a null state. With an owner it asks the tab for a fresh
// state first; a slow owner falls back to the cached record, and an owner
// whose subscription is gone clears the record and reports null.
func (s *Service) handleGlobalState(msg *nats.Msg) {
	s.mu.Lock()
	active := s.activeTab
	var cached *protocol.PlaybackState
	if s.record != nil {
		rec := *s.record
		cached = &rec
	}
	s.mu.Unlock()

	if active == 0 {
		s.respond(msg, protocol.StateReply{})
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.stateTimeout())
	defer cancel()

	var reply protocol.StateReply
	err := s.bus.Request(ctx, protocol.TabAudioSubject(active, protocol.TabAudioGetState), nil, &reply)
	switch {
	case err == nil:
		if reply.State != nil {
			s.mu.Lock()
			if s.activeTab == active {
				rec := *reply.State
				s.record = &rec
			}
			s.mu.Unlock()
		}
		s.respond(msg, reply)
	case errors.Is(err, nats.ErrNoResponders):
		s.dropTab(active)
		s.logger.Warn("active tab vanished", slog.Int("tab_id", active))
		s.respond(msg, protocol.StateReply{})
	default:
		s.logger.Warn("state query to active tab failed",
			slog.Int("tab_id", active), slogError(err))
		s.respond(msg, protocol.StateReply{State: cached})
	}
}

// handleLoad routes a load to its target tab, stopping the current owner
// first so the new session starts from silence. Ownership still moves only
// on the later playing broadcast.
func (s *Service) handleLoad(msg *nats.Msg) {
	var req protocol.LoadRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondAck(msg, errors.New("invalid load request"))
		return
	}
	if req.TabID == 0 {
		s.respondAck(msg, errors.New("no target tab"))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.respondAck(msg, errors.New("nothing to read"))
		return
	}

	s.mu.Lock()
	prev := s.activeTab
	s.mu.Unlock()
	if prev != 0 && prev != req.TabID {
		if err := s.stopTab(prev); err != nil {
			s.logger.Debug("stop of previous tab before load failed",
				slog.Int("tab_id", prev), slogError(err))
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.commandTimeout())
	defer cancel()

	var ack protocol.Ack
	if err := s.bus.Request(ctx, protocol.TabAudioSubject(req.TabID, protocol.TabAudioLoad), req, &ack); err != nil {
		s.logger.Warn("load target unreachable",
			slog.Int("tab_id", req.TabID), slogError(err))
		s.respondAck(msg, errors.New("tab unreachable"))
		return
	}
	s.logger.Info("routed load",
		slog.Int("tab_id", req.TabID),
		slog.String("website", req.Website),
		slog.Bool("auto_play", req.AutoPlay))
	s.respond(msg, ack)
}

// handleTabClosed drops all per-tab bookkeeping. The persisted snapshot only
// belongs to the owner, so it is cleared only when the owner closes.
func (s *Service) handleTabClosed(msg *nats.Msg) {
	var closed protocol.TabClosed
	if err := json.Unmarshal(msg.Data, &closed); err != nil {
		s.logger.Warn("failed to decode tab closed event", slogError(err))
		return
	}

	s.mu.Lock()
	wasActive := s.activeTab == closed.TabID
	if wasActive {
		s.activeTab = 0
		s.record = nil
	}
	sess := s.sessions[closed.TabID]
	delete(s.sessions, closed.TabID)
	s.mu.Unlock()

	if sess != nil && sess.lastStatus != protocol.StatusStopped {
		st := protocol.PlaybackState{TabID: closed.TabID}
		s.journalEvent(sess.id, st, journalTabClosed)
	}

	if !wasActive {
		return
	}
	s.logger.Info("active tab closed", slog.Int("tab_id", closed.TabID))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
		defer cancel()
		if err := store.DeleteSnapshot(ctx, s.kv); err != nil {
			s.logger.Warn("failed to clear persisted snapshot", slogError(err))
		}
	}()
}

func (s *Service) handleHistory(msg *nats.Msg) {
	var req protocol.HistoryRequest
	_ = json.Unmarshal(msg.Data, &req)

	ctx, cancel := context.WithTimeout(s.ctx, s.stateTimeout())
	defer cancel()

	sessions, err := s.journal.ListRecentSessions(ctx, req.Limit)
	if err != nil {
		s.logger.Warn("history query failed", slogError(err))
		s.respond(msg, []protocol.HistorySession{})
		return
	}
	out := make([]protocol.HistorySession, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, protocol.HistorySession{
			SessionID: sess.ID,
			TabID:     sess.TabID,
			Website:   sess.Website,
			CreatedAt: sess.CreatedAt,
		})
	}
	s.respond(msg, out)
}

// stopTab asks a tab to stop. Failure is acceptable; the tab may already be
// gone or mid-teardown.
func (s *Service) stopTab(tabID int) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.commandTimeout())
	defer cancel()
	var ack protocol.Ack
	return s.bus.Request(ctx, protocol.TabAudioSubject(tabID, protocol.TabAudioStop), nil, &ack)
}

// dropTab releases ownership if tabID still holds it.
func (s *Service) dropTab(tabID int) {
	s.mu.Lock()
	if s.activeTab == tabID {
		s.activeTab = 0
		s.record = nil
	}
	s.mu.Unlock()
}

func (s *Service) journalSession(sessionID string, st protocol.PlaybackState) {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	err := s.journal.AppendSession(ctx, journal.Session{
		ID:      sessionID,
		TabID:   st.TabID,
		Website: st.Website,
	})
	if err != nil {
		s.logger.Warn("failed to journal session", slogError(err))
	}
}

func (s *Service) journalEvent(sessionID string, st protocol.PlaybackState, state string) {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	err := s.journal.AppendEvent(ctx, journal.Event{
		SessionID: sessionID,
		TabID:     st.TabID,
		State:     state,
		Position:  st.AudioTime,
		Duration:  st.AudioDuration,
		Error:     st.Error,
	})
	if err != nil {
		s.logger.Warn("failed to journal event", slogError(err))
	}
}

func (s *Service) commandTimeout() time.Duration {
	return time.Duration(s.cfg.CommandTimeout) * time.Millisecond
}

func (s *Service) stateTimeout() time.Duration {
	return time.Duration(s.cfg.StateTimeout) * time.Millisecond
}

func (s *Service) respond(msg *nats.Msg, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond", slogError(err))
	}
}

func (s *Service) respondAck(msg *nats.Msg, cause error) {
	ack := protocol.Ack{Success: cause == nil}
	if cause != nil {
		ack.Error = cause.Error()
	}
	s.respond(msg, ack)
}

func (s *Service) initMetrics() error {
	if s.meter == nil {
		return nil
	}
	gauge, err := s.meter.Int64ObservableGauge("autovoice.coordinator.active_tab", metric.WithDescription("Tab id that currently owns playback, zero when idle"))
	if err != nil {
		return err
	}
	s.tabGauge = gauge
	_, err = s.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		s.mu.Lock()
		active := int64(s.activeTab)
		s.mu.Unlock()
		obs.ObserveInt64(gauge, active)
		return nil
	}, gauge)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
