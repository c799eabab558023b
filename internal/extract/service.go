package extract

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/autovoice/autovoice-core/internal/bus"
	"github.com/autovoice/autovoice-core/internal/config"
	"github.com/autovoice/autovoice-core/internal/protocol"
)

// Service answers extraction requests addressed to one tab. It runs inside
// the tab agent next to the player.
type Service struct {
	cfg       config.ExtractConfig
	bus       *bus.Client
	extractor Extractor
	tabID     int
	website   string
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

func NewService(parent context.Context, cfg config.ExtractConfig, busClient *bus.Client, extractor Extractor, tabID int, website string, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		extractor: extractor,
		tabID:     tabID,
		website:   website,
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.With(slog.String("component", "extract-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.TabExtractSubject(s.tabID), s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.ExtractRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode extract request", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.Timeout)*time.Millisecond)
		defer cancel()

		var reply protocol.ExtractReply
		result, err := s.extractor.Extract(ctx, Request{Website: s.website, Selectors: req.Selectors})
		if err != nil {
			s.logger.Warn("extraction failed", slogError(err))
			reply.Error = err.Error()
		} else {
			reply.Text = result.Text
			reply.Title = result.Title
		}
		s.respond(msg, reply)
	}()
}

func (s *Service) respond(msg *nats.Msg, reply protocol.ExtractReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal extract reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to extract request", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
