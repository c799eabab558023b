// Package remote is the control surface a frontend mounts to drive playback.
// It paints the persisted snapshot for an instant first render, follows live
// state broadcasts, and relays every action to the coordinator. It holds no
// authority of its own; the owning tab's broadcasts are the truth and any
// state kept here is a display cache.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/autovoice/autovoice-core/internal/backend"
	"github.com/autovoice/autovoice-core/internal/bus"
	"github.com/autovoice/autovoice-core/internal/config"
	"github.com/autovoice/autovoice-core/internal/extract"
	"github.com/autovoice/autovoice-core/internal/protocol"
	"github.com/autovoice/autovoice-core/internal/store"
)

type Client struct {
	bus            *bus.Client
	kv             store.KV
	backend        *backend.Client
	commandTimeout time.Duration
	extractTimeout time.Duration
	logger         *slog.Logger

	mu    sync.Mutex
	view  *protocol.PlaybackState
	owner int
	sub   *nats.Subscription
}

func New(busClient *bus.Client, kv store.KV, backendClient *backend.Client, cfg config.Config, logger *slog.Logger) *Client {
	commandTimeout := time.Duration(cfg.Coordinator.CommandTimeout) * time.Millisecond
	if commandTimeout <= 0 {
		commandTimeout = 3 * time.Second
	}
	extractTimeout := time.Duration(cfg.Extract.Timeout) * time.Millisecond
	if extractTimeout <= 0 {
		extractTimeout = 10 * time.Second
	}
	return &Client{
		bus:            busClient,
		kv:             kv,
		backend:        backendClient,
		commandTimeout: commandTimeout,
		extractTimeout: extractTimeout,
		logger:         logger.With(slog.String("component", "remote")),
	}
}

// Mount prepares the client for display: snapshot paint, broadcast follow,
// then a fresh coordinator query that overrides both. The returned state is
// the best answer available right now and may be nil when nothing plays and
// nothing was persisted.
func (c *Client) Mount(ctx context.Context, onUpdate func(protocol.StateUpdate)) (*protocol.PlaybackState, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		c.logger.Warn("failed to load persisted snapshot", slogError(err))
	}
	if snap != nil {
		c.mu.Lock()
		rec := *snap
		c.view = &rec
		if rec.Status != protocol.StatusStopped {
			c.owner = rec.TabID
		}
		c.mu.Unlock()
	}

	if err := c.Follow(onUpdate); err != nil {
		return c.View(), err
	}

	if fresh, err := c.GlobalState(ctx); err == nil && fresh != nil {
		return fresh, nil
	}
	return c.View(), nil
}

// Follow subscribes to state broadcasts and keeps the local view current.
// onUpdate may be nil when only the cached view is wanted.
func (c *Client) Follow(onUpdate func(protocol.StateUpdate)) error {
	c.mu.Lock()
	if c.sub != nil {
		c.mu.Unlock()
		return errors.New("already following broadcasts")
	}
	c.mu.Unlock()

	sub, err := c.bus.Conn().Subscribe(protocol.SubjectStateBroadcast, func(msg *nats.Msg) {
		var update protocol.StateUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			c.logger.Warn("failed to decode state broadcast", slogError(err))
			return
		}
		c.ingest(update.State)
		if onUpdate != nil {
			onUpdate(update)
		}
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
}

// ingest folds a broadcast into the display cache. Any active status adopts
// that tab as the one being controlled; only the adopted tab's stopped
// releases it, so a losing tab's teardown never blanks the view mid-takeover.
func (c *Client) ingest(st protocol.PlaybackState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st.Status == protocol.StatusStopped {
		if st.TabID != c.owner {
			return
		}
		c.owner = 0
	} else {
		c.owner = st.TabID
	}
	rec := st
	c.view = &rec
}

// View returns a copy of the last state this client saw, or nil.
func (c *Client) View() *protocol.PlaybackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.view == nil {
		return nil
	}
	rec := *c.view
	return &rec
}

// Owner returns the tab this client currently believes it controls, or zero.
func (c *Client) Owner() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// Snapshot reads the persisted playback state from the shared store.
func (c *Client) Snapshot(ctx context.Context) (*protocol.PlaybackState, error) {
	return store.LoadSnapshot(ctx, c.kv)
}

// GlobalState asks the coordinator what is playing anywhere. A nil state
// with a nil error means no tab owns playback.
func (c *Client) GlobalState(ctx context.Context) (*protocol.PlaybackState, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()

	var reply protocol.StateReply
	if err := c.bus.Request(reqCtx, protocol.SubjectGlobalState, nil, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	if reply.State != nil {
		c.ingest(*reply.State)
	}
	return reply.State, nil
}

// Command relays a transport command to whichever tab owns playback.
func (c *Client) Command(ctx context.Context, cmd protocol.Command) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()

	var ack protocol.Ack
	if err := c.bus.Request(reqCtx, protocol.SubjectCommand, protocol.CommandRequest{Command: cmd}, &ack); err != nil {
		return err
	}
	return ackError(ack)
}

// Seek moves the owning tab's playhead to an absolute position in seconds.
func (c *Client) Seek(ctx context.Context, seconds float64) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()

	var ack protocol.Ack
	if err := c.bus.Request(reqCtx, protocol.SubjectSeekCommand, protocol.SeekRequest{Time: seconds}, &ack); err != nil {
		return err
	}
	return ackError(ack)
}

// Load routes a prepared load request through the coordinator.
func (c *Client) Load(ctx context.Context, req protocol.LoadRequest) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()

	var ack protocol.Ack
	if err := c.bus.Request(reqCtx, protocol.SubjectLoadCommand, req, &ack); err != nil {
		return err
	}
	return ackError(ack)
}

// LoadAndPlay runs the full read-this-page flow against one tab: pick
// selectors for its website, ask the tab to extract text, then route the
// load. The returned request is what was actually submitted.
func (c *Client) LoadAndPlay(ctx context.Context, tabID int, website string, autoPlay bool) (protocol.LoadRequest, error) {
	selectors := c.selectorsFor(ctx, website)

	extractCtx, cancel := context.WithTimeout(ctx, c.extractTimeout)
	defer cancel()

	var reply protocol.ExtractReply
	if err := c.bus.Request(extractCtx, protocol.TabExtractSubject(tabID), protocol.ExtractRequest{Selectors: selectors}, &reply); err != nil {
		return protocol.LoadRequest{}, fmt.Errorf("extract from tab %d: %w", tabID, err)
	}
	if reply.Error != "" {
		return protocol.LoadRequest{}, errors.New(reply.Error)
	}
	text := strings.TrimSpace(reply.Text)
	if text == "" {
		return protocol.LoadRequest{}, errors.New("page produced no readable text")
	}

	req := protocol.LoadRequest{
		TabID:       tabID,
		Text:        text,
		Website:     website,
		Description: reply.Title,
		AutoPlay:    autoPlay,
	}
	if err := c.Load(ctx, req); err != nil {
		return protocol.LoadRequest{}, err
	}
	return req, nil
}

// selectorsFor resolves the extraction selectors for a website: a pending
// rule under test wins, then the best match from the cached rule set, then
// none at all and the extractor falls back to its own heuristics.
func (c *Client) selectorsFor(ctx context.Context, website string) []string {
	if rule, err := store.LoadPendingRule(ctx, c.kv); err == nil && rule != nil {
		if rule.Website == "" || strings.Contains(website, rule.Website) {
			return rule.Selectors
		}
	}
	rules, err := store.LoadCachedRules(ctx, c.kv)
	if err != nil {
		c.logger.Warn("failed to load cached rules", slogError(err))
		return nil
	}
	if rule := extract.BestRule(rules, website); rule != nil {
		return rule.Selectors
	}
	return nil
}

// Tabs lists the registered tab agents.
func (c *Client) Tabs(ctx context.Context) ([]protocol.TabInfo, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()

	var tabs []protocol.TabInfo
	if err := c.bus.Request(reqCtx, protocol.SubjectTabList, nil, &tabs); err != nil {
		return nil, err
	}
	return tabs, nil
}

// History lists recent playback sessions from the coordinator's journal.
func (c *Client) History(ctx context.Context, limit int) ([]protocol.HistorySession, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()

	var sessions []protocol.HistorySession
	if err := c.bus.Request(reqCtx, protocol.SubjectHistory, protocol.HistoryRequest{Limit: limit}, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// Login exchanges credentials for a bearer token and persists it for every
// other process to use.
func (c *Client) Login(ctx context.Context, username, password string) error {
	token, err := c.backend.Login(ctx, username, password)
	if err != nil {
		return err
	}
	return store.SaveAuthToken(ctx, c.kv, token)
}

// Synthesize streams synthesized speech for text into w, bypassing the tab
// pipeline entirely. It returns the number of audio bytes written.
func (c *Client) Synthesize(ctx context.Context, text string, w io.Writer) (int64, error) {
	body, err := c.backend.Stream(ctx, text)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	return io.Copy(w, body)
}

func ackError(ack protocol.Ack) error {
	if ack.Success {
		return nil
	}
	if ack.Error == "" {
		return errors.New("request failed")
	}
	return errors.New(ack.Error)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
