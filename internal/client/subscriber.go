package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval  = 7 * time.Second
	DefaultPushReconnect = 10 * time.Second
	DefaultPushPing      = 30 * time.Second

	frameWelcome     = "welcome"
	frameSubscribe   = "subscribe"
	framePing        = "ping"
	frameUpdate      = "update"
	frameError       = "error"
	pushWriteTimeout = 5 * time.Second
)

var (
	errMissingAPI     = errors.New("client: api is required")
	errMissingHandler = errors.New("client: update handler is required")
	errNoWelcome      = errors.New("client: push channel did not send a welcome frame")
)

// UpdateHandler receives every remote change regardless of the transport that observed it.
// *SaveQueue implements it.
type UpdateHandler interface {
	ApplyRemote(update RemoteUpdate) Decision
}

type SubscriberConfig struct {
	API     *API
	Handler UpdateHandler
	// Sections are the sections to follow. Polling fetches their section types.
	Sections      []SectionID
	PollInterval  time.Duration
	PushReconnect time.Duration
	PushPing      time.Duration
	Dialer        *websocket.Dialer
	// OnConnected runs with the server-assigned connection id each time the push channel opens.
	OnConnected func(connectionID string)
	// OnReachable runs after every successful poll.
	OnReachable func()
	Logger      *zap.Logger
}

// Subscriber follows remote changes through the push channel and falls back to polling while
// the channel is down. Both transports feed the same UpdateHandler.
type Subscriber struct {
	api           *API
	handler       UpdateHandler
	sections      []SectionID
	watched       map[SectionID]bool
	types         []string
	pollInterval  time.Duration
	pushReconnect time.Duration
	pushPing      time.Duration
	dialer        *websocket.Dialer
	onConnected   func(string)
	onReachable   func()
	logger        *zap.Logger

	mu      sync.Mutex
	polling bool
	pushUp  bool
}

func NewSubscriber(cfg SubscriberConfig) (*Subscriber, error) {
	if cfg.API == nil {
		return nil, errMissingAPI
	}
	if cfg.Handler == nil {
		return nil, errMissingHandler
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	pushReconnect := cfg.PushReconnect
	if pushReconnect <= 0 {
		pushReconnect = DefaultPushReconnect
	}
	pushPing := cfg.PushPing
	if pushPing <= 0 {
		pushPing = DefaultPushPing
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	watched := make(map[SectionID]bool, len(cfg.Sections))
	typeSet := make(map[string]bool)
	for _, id := range cfg.Sections {
		watched[id] = true
		typeSet[id.Type] = true
	}
	types := make([]string, 0, len(typeSet))
	for sectionType := range typeSet {
		types = append(types, sectionType)
	}
	sort.Strings(types)

	return &Subscriber{
		api:           cfg.API,
		handler:       cfg.Handler,
		sections:      append([]SectionID(nil), cfg.Sections...),
		watched:       watched,
		types:         types,
		pollInterval:  pollInterval,
		pushReconnect: pushReconnect,
		pushPing:      pushPing,
		dialer:        dialer,
		onConnected:   cfg.OnConnected,
		onReachable:   cfg.OnReachable,
		logger:        logger,
	}, nil
}

// Polling reports whether the poll backend is currently active.
func (s *Subscriber) Polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polling
}

// Connected reports whether the push channel is open.
func (s *Subscriber) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushUp
}

// Run keeps the subscription alive until ctx is canceled. While the push channel is down the
// poll backend runs; it stops as soon as the channel reconnects.
func (s *Subscriber) Run(ctx context.Context) error {
	var stopPolling context.CancelFunc
	var pollDone chan struct{}
	startPolling := func() {
		if stopPolling != nil {
			return
		}
		pollCtx, cancel := context.WithCancel(ctx)
		stopPolling = cancel
		pollDone = make(chan struct{})
		s.setPolling(true)
		go func(done chan struct{}) {
			defer close(done)
			s.pollLoop(pollCtx)
		}(pollDone)
	}
	haltPolling := func() {
		if stopPolling == nil {
			return
		}
		stopPolling()
		<-pollDone
		stopPolling = nil
		s.setPolling(false)
	}
	defer haltPolling()

	for {
		err := s.runPush(ctx, haltPolling)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Info("push channel unavailable, polling", zap.Error(err))
		startPolling()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.pushReconnect):
		}
	}
}

type pushFrame struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connectionId,omitempty"`
	SectionType  string          `json:"sectionType,omitempty"`
	SectionKey   string          `json:"sectionKey,omitempty"`
	Version      int64           `json:"version,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	Source       string          `json:"source,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// runPush dials, subscribes and reads until the channel fails. onOpen runs once the channel is
// usable.
func (s *Subscriber) runPush(ctx context.Context, onOpen func()) error {
	endpoint, header := s.api.RealtimeURL()
	ws, _, err := s.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return fmt.Errorf("dial push channel: %w", err)
	}
	defer ws.Close()

	var welcome pushFrame
	_ = ws.SetReadDeadline(time.Now().Add(s.pushReconnect))
	if err := ws.ReadJSON(&welcome); err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})
	if welcome.Type != frameWelcome || welcome.ConnectionID == "" {
		return errNoWelcome
	}

	var writeMu sync.Mutex
	write := func(frame pushFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = ws.SetWriteDeadline(time.Now().Add(pushWriteTimeout))
		return ws.WriteJSON(frame)
	}
	for _, id := range s.sections {
		if err := write(pushFrame{Type: frameSubscribe, SectionType: id.Type, SectionKey: id.Key}); err != nil {
			return fmt.Errorf("subscribe %s: %w", id, err)
		}
	}

	onOpen()
	s.setPushUp(true)
	defer s.setPushUp(false)
	if s.onConnected != nil {
		s.onConnected(welcome.ConnectionID)
	}
	s.logger.Info("push channel open", zap.String("connection_id", welcome.ConnectionID))
	// Changes committed between the last poll and the subscribe would otherwise be missed.
	s.pollOnce(ctx)

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(s.pushPing)
		defer ticker.Stop()
		for {
			select {
			case <-readCtx.Done():
				_ = ws.Close()
				return
			case <-ticker.C:
				if err := write(pushFrame{Type: framePing}); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		var frame pushFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read push frame: %w", err)
		}
		switch frame.Type {
		case frameUpdate:
			source := frame.Source
			if source == "" {
				source = SourceRealtime
			}
			s.deliver(RemoteUpdate{
				Section: SectionID{Type: frame.SectionType, Key: frame.SectionKey},
				Version: frame.Version,
				Content: frame.Content,
				Source:  source,
			})
		case frameError:
			s.logger.Warn("push channel reported an error", zap.String("reason", frame.Reason))
		}
	}
}

func (s *Subscriber) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	s.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce fetches the followed section types and turns every newer version into an update.
func (s *Subscriber) pollOnce(ctx context.Context) {
	for _, sectionType := range s.types {
		sections, err := s.api.Fetch(ctx, sectionType)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("poll failed", zap.String("section_type", sectionType), zap.Error(err))
			}
			return
		}
		for _, section := range sections {
			if !s.watched[section.ID()] {
				continue
			}
			s.deliver(RemoteUpdate{
				Section: section.ID(),
				Version: section.Version,
				Content: section.Content,
				Source:  SourcePolling,
			})
		}
	}
	if s.onReachable != nil {
		s.onReachable()
	}
}

func (s *Subscriber) deliver(update RemoteUpdate) {
	decision := s.handler.ApplyRemote(update)
	s.logger.Debug("remote update",
		zap.String("section", update.Section.String()),
		zap.Int64("version", update.Version),
		zap.String("source", update.Source),
		zap.Int("decision", int(decision)))
}

func (s *Subscriber) setPolling(polling bool) {
	s.mu.Lock()
	s.polling = polling
	s.mu.Unlock()
}

func (s *Subscriber) setPushUp(up bool) {
	s.mu.Lock()
	s.pushUp = up
	s.mu.Unlock()
}
