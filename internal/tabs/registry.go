package tabs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/autovoice/autovoice-core/internal/bus"
	"github.com/autovoice/autovoice-core/internal/config"
	"github.com/autovoice/autovoice-core/internal/protocol"
)

type tabEntry struct {
	tabID      int
	instanceID string
	label      string
	lastSeen   time.Time
}

// Registry tracks the tab agents attached to the runtime. It assigns tab ids
// on hello, watches heartbeats, and announces closed tabs either on explicit
// goodbye or when an agent stops beating.
type Registry struct {
	cfg      config.TabsConfig
	log      *slog.Logger
	bus      *bus.Client
	mu       sync.RWMutex
	tabs     map[int]*tabEntry
	byAgent  map[string]int
	nextID   int
	cancel   context.CancelFunc
	subs     []*nats.Subscription
	meter    metric.Meter
	tabGauge metric.Int64ObservableGauge
}

func NewRegistry(ctx context.Context, cfg config.TabsConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		log:     log.With(slog.String("component", "tab-registry")),
		bus:     busClient,
		tabs:    make(map[int]*tabEntry),
		byAgent: make(map[string]int),
		meter:   otel.Meter("github.com/autovoice/autovoice-core/runtime"),
		cancel:  cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	go r.monitorLiveness(ctx)

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) Healthy() bool { return len(r.subs) > 0 }

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()

	helloSub, err := conn.Subscribe(protocol.SubjectTabHello, r.handleHello)
	if err != nil {
		return fmt.Errorf("subscribe hello: %w", err)
	}
	r.subs = append(r.subs, helloSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectTabHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	byeSub, err := conn.Subscribe(protocol.SubjectTabBye, r.handleBye)
	if err != nil {
		return fmt.Errorf("subscribe bye: %w", err)
	}
	r.subs = append(r.subs, byeSub)

	listSub, err := conn.Subscribe(protocol.SubjectTabList, r.handleList)
	if err != nil {
		return fmt.Errorf("subscribe list: %w", err)
	}
	r.subs = append(r.subs, listSub)

	return nil
}

func (r *Registry) monitorLiveness(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.expireStale()
		}
	}
}

// handleHello assigns a tab id. A repeated hello from the same agent instance
// gets its previous id back, so reconnects keep their identity.
func (r *Registry) handleHello(msg *nats.Msg) {
	var hello protocol.HelloRequest
	if err := json.Unmarshal(msg.Data, &hello); err != nil {
		r.log.Warn("invalid hello message", slog.String("error", err.Error()))
		return
	}
	if hello.InstanceID == "" {
		r.log.Warn("hello without instance id")
		return
	}

	r.mu.Lock()
	tabID, known := r.byAgent[hello.InstanceID]
	if known {
		entry := r.tabs[tabID]
		entry.lastSeen = time.Now()
		if hello.Label != "" {
			entry.label = hello.Label
		}
	} else {
		r.nextID++
		tabID = r.nextID
		r.tabs[tabID] = &tabEntry{
			tabID:      tabID,
			instanceID: hello.InstanceID,
			label:      hello.Label,
			lastSeen:   time.Now(),
		}
		r.byAgent[hello.InstanceID] = tabID
	}
	r.mu.Unlock()

	if !known {
		r.log.Info("tab registered",
			slog.Int("tab_id", tabID),
			slog.String("label", hello.Label))
	}

	reply, err := json.Marshal(protocol.HelloReply{TabID: tabID})
	if err != nil {
		r.log.Warn("failed to marshal hello reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(reply); err != nil {
		r.log.Warn("failed to respond to hello", slog.String("error", err.Error()))
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}

	r.mu.Lock()
	if entry, ok := r.tabs[hb.TabID]; ok {
		entry.lastSeen = time.Now()
	}
	r.mu.Unlock()
}

func (r *Registry) handleBye(msg *nats.Msg) {
	var bye protocol.TabClosed
	if err := json.Unmarshal(msg.Data, &bye); err != nil {
		r.log.Warn("invalid bye message", slog.String("error", err.Error()))
		return
	}

	if !r.remove(bye.TabID) {
		return
	}
	r.log.Info("tab said goodbye", slog.Int("tab_id", bye.TabID))
	r.announceClosed(bye.TabID)
}

func (r *Registry) handleList(msg *nats.Msg) {
	data, err := json.Marshal(r.Tabs())
	if err != nil {
		r.log.Warn("failed to marshal tab list", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.log.Warn("failed to respond to tab list", slog.String("error", err.Error()))
	}
}

func (r *Registry) expireStale() {
	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := time.Now()

	r.mu.Lock()
	var expired []int
	for tabID, entry := range r.tabs {
		if now.Sub(entry.lastSeen) > timeout {
			expired = append(expired, tabID)
		}
	}
	for _, tabID := range expired {
		delete(r.byAgent, r.tabs[tabID].instanceID)
		delete(r.tabs, tabID)
	}
	r.mu.Unlock()

	for _, tabID := range expired {
		r.log.Warn("tab heartbeat expired", slog.Int("tab_id", tabID))
		r.announceClosed(tabID)
	}
}

func (r *Registry) remove(tabID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.tabs[tabID]
	if !ok {
		return false
	}
	delete(r.byAgent, entry.instanceID)
	delete(r.tabs, tabID)
	return true
}

func (r *Registry) announceClosed(tabID int) {
	closed := protocol.TabClosed{TabID: tabID, Timestamp: time.Now().UTC()}
	if err := r.bus.Publish(protocol.SubjectTabClosed, closed); err != nil {
		r.log.Warn("failed to announce closed tab", slog.String("error", err.Error()))
	}
}

// Tabs lists the registered tabs ordered by id.
func (r *Registry) Tabs() []protocol.TabInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]protocol.TabInfo, 0, len(r.tabs))
	for _, entry := range r.tabs {
		infos = append(infos, protocol.TabInfo{
			TabID:    entry.tabID,
			Label:    entry.label,
			LastSeen: entry.lastSeen,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TabID < infos[j].TabID })
	return infos
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("autovoice.tabs.registered", metric.WithDescription("Number of registered tab agents"))
	if err != nil {
		return err
	}
	r.tabGauge = gauge
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		r.mu.RLock()
		count := int64(len(r.tabs))
		r.mu.RUnlock()
		obs.ObserveInt64(gauge, count)
		return nil
	}, gauge)
	return err
}
