package tabs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autovoice/autovoice-core/internal/bus"
	"github.com/autovoice/autovoice-core/internal/config"
	"github.com/autovoice/autovoice-core/internal/protocol"
)

const (
	helloAttempts = 3
	helloBackoff  = 500 * time.Millisecond
	helloTimeout  = 2 * time.Second
)

// Agent is a tab's registration with the runtime: the assigned id plus the
// heartbeat that keeps it alive.
type Agent struct {
	TabID int

	bus        *bus.Client
	log        *slog.Logger
	instanceID string
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once
}

// Announce registers with the tab registry and starts the heartbeat loop.
// The hello is retried so agents may start slightly before the daemon.
func Announce(ctx context.Context, cfg config.TabsConfig, busClient *bus.Client, label string, log *slog.Logger) (*Agent, error) {
	agent := &Agent{
		bus:        busClient,
		log:        log.With(slog.String("component", "tab-agent")),
		instanceID: uuid.NewString(),
	}

	hello := protocol.HelloRequest{
		InstanceID: agent.instanceID,
		Label:      label,
		Timestamp:  time.Now().UTC(),
	}

	var reply protocol.HelloReply
	var err error
	for attempt := 1; attempt <= helloAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, helloTimeout)
		err = busClient.Request(reqCtx, protocol.SubjectTabHello, hello, &reply)
		cancel()
		if err == nil {
			break
		}
		if attempt == helloAttempts {
			break
		}
		agent.log.Warn("hello failed, retrying",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(helloBackoff):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("register tab: %w", err)
	}

	agent.TabID = reply.TabID
	agent.log = agent.log.With(slog.Int("tab_id", agent.TabID))
	agent.log.Info("tab registered")

	hbCtx, cancel := context.WithCancel(ctx)
	agent.cancel = cancel
	agent.wg.Add(1)
	go agent.runHeartbeat(hbCtx, time.Duration(cfg.HeartbeatInterval)*time.Millisecond)

	return agent, nil
}

func (a *Agent) runHeartbeat(ctx context.Context, interval time.Duration) {
	defer a.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := protocol.Heartbeat{TabID: a.TabID, Timestamp: time.Now().UTC()}
			if err := a.bus.Publish(protocol.TabHeartbeatSubject(a.TabID), hb); err != nil {
				a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

// Close says goodbye and stops the heartbeat. Safe to call more than once.
func (a *Agent) Close() {
	a.once.Do(func() {
		bye := protocol.TabClosed{TabID: a.TabID, Timestamp: time.Now().UTC()}
		if err := a.bus.Publish(protocol.SubjectTabBye, bye); err != nil {
			a.log.Warn("failed to publish goodbye", slog.String("error", err.Error()))
		}
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
	})
}
