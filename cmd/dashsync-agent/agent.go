package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/dashsync/internal/client"
	"github.com/MarcoPoloResearchLab/dashsync/internal/config"
	"github.com/MarcoPoloResearchLab/dashsync/internal/logging"
)

const (
	conflictReport    = "report"
	conflictKeepLocal = "keep-local"
	conflictUseServer = "use-server"
)

// agent bundles the client components one command needs.
type agent struct {
	cfg     config.AgentConfig
	logger  *zap.Logger
	api     *client.API
	offline *client.OfflineQueue
	queue   *client.SaveQueue
	printer *printer
}

func openAgent(out io.Writer, method string) (*agent, error) {
	cfg, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.LogLevel, "dashsync-agent")
	if err != nil {
		return nil, err
	}
	api, err := client.NewAPI(client.APIConfig{
		BaseURL: cfg.ServerURL,
		OwnerID: cfg.OwnerID,
		Token:   cfg.AuthToken,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	offline, err := client.OpenOfflineQueue(cfg.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	queue, err := client.NewSaveQueue(client.SaveQueueConfig{
		Saver:       api,
		Offline:     offline,
		Debounce:    cfg.SaveDebounce,
		RetryBase:   cfg.RetryBase,
		RetryMax:    cfg.RetryMax,
		RetryJitter: 0.2,
		Method:      method,
		Logger:      logger,
	})
	if err != nil {
		_ = offline.Close()
		return nil, err
	}
	p := &printer{encoder: json.NewEncoder(out)}
	queue.OnEvent(p.event)
	return &agent{cfg: cfg, logger: logger, api: api, offline: offline, queue: queue, printer: p}, nil
}

func (a *agent) Close() {
	a.queue.Close()
	if err := a.offline.Close(); err != nil {
		a.logger.Warn("failed to close offline queue", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func parseSection(raw string) (client.SectionID, error) {
	sectionType, sectionKey, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok || sectionType == "" || sectionKey == "" {
		return client.SectionID{}, fmt.Errorf("section must be <type>/<key>, got %q", raw)
	}
	return client.SectionID{Type: sectionType, Key: sectionKey}, nil
}

func parseConflictPolicy(raw string) (string, error) {
	switch raw {
	case conflictReport, conflictKeepLocal, conflictUseServer:
		return raw, nil
	default:
		return "", fmt.Errorf("on-conflict must be %s, %s or %s", conflictReport, conflictKeepLocal, conflictUseServer)
	}
}

func resolutionFor(policy string) (client.Resolution, bool) {
	switch policy {
	case conflictKeepLocal:
		return client.KeepLocal, true
	case conflictUseServer:
		return client.UseServer, true
	default:
		return 0, false
	}
}

// printer writes one JSON line per event or result.
type printer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

type eventLine struct {
	Event         string          `json:"event"`
	Section       string          `json:"section"`
	Version       int64           `json:"version,omitempty"`
	Content       json.RawMessage `json:"content,omitempty"`
	ServerVersion int64           `json:"serverVersion,omitempty"`
	ServerContent json.RawMessage `json:"serverContent,omitempty"`
	Source        string          `json:"source,omitempty"`
	Attempt       int             `json:"attempt,omitempty"`
	RetryIn       string          `json:"retryIn,omitempty"`
	Error         string          `json:"error,omitempty"`
}

func (p *printer) event(event client.Event) {
	line := eventLine{
		Event:         string(event.Type),
		Section:       event.Section.String(),
		Version:       event.Version,
		Content:       event.Content,
		ServerVersion: event.ServerVersion,
		ServerContent: event.ServerContent,
		Source:        event.Source,
		Attempt:       event.Attempt,
	}
	if event.RetryIn > 0 {
		line.RetryIn = event.RetryIn.Round(time.Millisecond).String()
	}
	if event.Err != nil {
		line.Error = event.Err.Error()
	}
	p.print(line)
}

func (p *printer) print(value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.encoder.Encode(value)
}
