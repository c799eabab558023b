// Package gateway bridges the speech backend's HTTP stream onto the bus. A
// client opens a named stream port, the gateway fetches the audio and pumps
// it back as ordered chunk messages on the port's data subject.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/autovoice/autovoice-core/internal/backend"
	"github.com/autovoice/autovoice-core/internal/bus"
	"github.com/autovoice/autovoice-core/internal/config"
	"github.com/autovoice/autovoice-core/internal/protocol"
)

// readBuffer is the fetch granularity; chunk boundaries on the wire follow
// whatever the backend flushed, not this size.
const readBuffer = 32 * 1024

type session struct {
	port    string
	tabID   int
	cancel  context.CancelFunc
	aborted atomic.Bool
}

type Service struct {
	cfg     config.GatewayConfig
	bus     *bus.Client
	backend *backend.Client
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	subs    []*nats.Subscription
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session

	meter        metric.Meter
	chunkCounter metric.Int64Counter
	byteCounter  metric.Int64Counter
}

func NewService(parent context.Context, cfg config.GatewayConfig, busClient *bus.Client, backendClient *backend.Client, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:      cfg,
		bus:      busClient,
		backend:  backendClient,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
		meter:    otel.Meter("github.com/autovoice/autovoice-core/runtime"),
		logger:   log.With(slog.String("component", "stream-gateway")),
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

	ctrlSub, err := s.bus.Conn().Subscribe(protocol.StreamCtrlWildcard, s.handleCtrl)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, ctrlSub)

	closedSub, err := s.bus.Conn().Subscribe(protocol.SubjectTabClosed, s.handleTabClosed)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, closedSub)

	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || len(s.subs) > 0 }

func (s *Service) handleCtrl(msg *nats.Msg) {
	port := protocol.PortFromSubject(msg.Subject)
	if !strings.HasPrefix(port, protocol.StreamPortPrefix) {
		// Not our port namespace; some other consumer's traffic.
		return
	}

	var envelope protocol.PortMessage
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		s.logger.Warn("failed to decode port message", slogError(err))
		return
	}

	switch envelope.Type {
	case protocol.PortStart:
		s.startSession(port, envelope)
	case protocol.PortAbort:
		s.abortSession(port)
	default:
		s.logger.Warn("unexpected port message on ctrl subject",
			slog.String("port", port),
			slog.String("type", string(envelope.Type)))
	}
}

func (s *Service) startSession(port string, envelope protocol.PortMessage) {
	s.mu.Lock()
	if _, exists := s.sessions[port]; exists {
		s.mu.Unlock()
		s.logger.Warn("duplicate stream start ignored", slog.String("port", port))
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.StreamTimeout)*time.Millisecond)
	sess := &session{port: port, tabID: envelope.TabID, cancel: cancel}
	s.sessions[port] = sess
	s.mu.Unlock()

	s.logger.Info("stream session started",
		slog.String("port", port),
		slog.Int("tab_id", envelope.TabID),
		slog.Int("text_len", len(envelope.Text)))

	s.wg.Add(1)
	go s.run(ctx, sess, envelope.Text)
}

func (s *Service) abortSession(port string) {
	s.mu.Lock()
	sess, ok := s.sessions[port]
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.aborted.Store(true)
	sess.cancel()
	s.logger.Info("stream session aborted", slog.String("port", port))
}

// handleTabClosed cancels every stream feeding a tab that no longer exists.
func (s *Service) handleTabClosed(msg *nats.Msg) {
	var closed protocol.TabClosed
	if err := json.Unmarshal(msg.Data, &closed); err != nil {
		s.logger.Warn("failed to decode tab closed", slogError(err))
		return
	}

	s.mu.Lock()
	var orphaned []*session
	for _, sess := range s.sessions {
		if sess.tabID == closed.TabID {
			orphaned = append(orphaned, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range orphaned {
		sess.aborted.Store(true)
		sess.cancel()
		s.logger.Info("stream dropped for closed tab",
			slog.String("port", sess.port),
			slog.Int("tab_id", closed.TabID))
	}
}

func (s *Service) run(ctx context.Context, sess *session, text string) {
	defer s.wg.Done()
	defer s.finish(sess)

	body, err := s.backend.Stream(ctx, text)
	if err != nil {
		if !sess.aborted.Load() {
			s.logger.Warn("stream fetch failed", slog.String("port", sess.port), slogError(err))
			s.publishError(sess.port, err)
		}
		return
	}
	defer body.Close()

	dataSubject := protocol.StreamDataSubject(sess.port)
	buf := make([]byte, readBuffer)
	var chunks, bytes int64
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if pubErr := s.bus.Publish(dataSubject, protocol.PortMessage{Type: protocol.PortChunk, Data: chunk}); pubErr != nil {
				s.logger.Warn("failed to publish chunk", slog.String("port", sess.port), slogError(pubErr))
				return
			}
			chunks++
			bytes += int64(n)
			if s.chunkCounter != nil {
				s.chunkCounter.Add(ctx, 1)
				s.byteCounter.Add(ctx, int64(n))
			}
		}
		if err == io.EOF {
			if pubErr := s.bus.Publish(dataSubject, protocol.PortMessage{Type: protocol.PortDone}); pubErr != nil {
				s.logger.Warn("failed to publish done", slog.String("port", sess.port), slogError(pubErr))
			}
			s.logger.Info("stream session complete",
				slog.String("port", sess.port),
				slog.Int64("chunks", chunks),
				slog.Int64("bytes", bytes))
			return
		}
		if err != nil {
			if sess.aborted.Load() {
				s.logger.Info("stream read stopped after abort", slog.String("port", sess.port))
				return
			}
			s.logger.Warn("stream read failed", slog.String("port", sess.port), slogError(err))
			s.publishError(sess.port, err)
			return
		}
	}
}

func (s *Service) finish(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.port)
	s.mu.Unlock()
	sess.cancel()
}

// publishError reports one terminal failure on the port. The backend's own
// detail is relayed when it produced one; transport failures collapse into a
// generic message so internals never cross the bus.
func (s *Service) publishError(port string, err error) {
	message := "audio stream failed"
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		message = apiErr.Detail
	}
	if pubErr := s.bus.Publish(protocol.StreamDataSubject(port), protocol.PortMessage{Type: protocol.PortError, Error: message}); pubErr != nil {
		s.logger.Warn("failed to publish stream error", slog.String("port", port), slogError(pubErr))
	}
}

func (s *Service) initMetrics() error {
	if s.meter == nil {
		return nil
	}
	gauge, err := s.meter.Int64ObservableGauge("autovoice.gateway.active_streams", metric.WithDescription("Streams currently being proxied"))
	if err != nil {
		return err
	}
	if _, err := s.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		s.mu.Lock()
		active := int64(len(s.sessions))
		s.mu.Unlock()
		obs.ObserveInt64(gauge, active)
		return nil
	}, gauge); err != nil {
		return err
	}

	chunkCounter, err := s.meter.Int64Counter("autovoice.gateway.chunks", metric.WithDescription("Audio chunks forwarded"))
	if err != nil {
		return err
	}
	byteCounter, err := s.meter.Int64Counter("autovoice.gateway.bytes", metric.WithDescription("Audio bytes forwarded"))
	if err != nil {
		return err
	}
	s.chunkCounter = chunkCounter
	s.byteCounter = byteCounter
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
