package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout   = 10 * time.Second
	defaultBreakerFailures  = 5
	defaultBreakerOpenDelay = 30 * time.Second
	maxResponseBytes        = 4 << 20

	reasonVersionConflict = "version_conflict"
)

var errMissingBaseURL = errors.New("client: base url is required")

// APIConfig configures the HTTP client for the dashboard endpoints.
type APIConfig struct {
	BaseURL    string
	OwnerID    string
	Token      string
	HTTPClient *http.Client
	// BreakerFailures is the number of consecutive transport or 5xx failures that opens the
	// breaker. BreakerOpenDelay is how long it stays open before probing again.
	BreakerFailures  uint32
	BreakerOpenDelay time.Duration
	Logger           *zap.Logger
}

// API talks to the dashboard endpoints through a circuit breaker.
type API struct {
	baseURL    *url.URL
	ownerID    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

func NewAPI(cfg APIConfig) (*API, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	openDelay := cfg.BreakerOpenDelay
	if openDelay <= 0 {
		openDelay = defaultBreakerOpenDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dashsync-api",
		MaxRequests: 1,
		Timeout:     openDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Canceled requests do not count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &API{
		baseURL:    baseURL,
		ownerID:    cfg.OwnerID,
		token:      cfg.Token,
		httpClient: httpClient,
		breaker:    breaker,
		logger:     logger,
	}, nil
}

type saveRequestPayload struct {
	OwnerID         string          `json:"ownerId,omitempty"`
	SectionType     string          `json:"sectionType"`
	SectionKey      string          `json:"sectionKey"`
	Content         json.RawMessage `json:"content"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty"`
	SaveMethod      string          `json:"saveMethod,omitempty"`
	ConnectionID    string          `json:"connectionId,omitempty"`
}

type saveResponsePayload struct {
	Success        bool            `json:"success"`
	Reason         string          `json:"reason"`
	Field          string          `json:"field"`
	Code           string          `json:"code"`
	Version        int64           `json:"version"`
	SavedAt        time.Time       `json:"savedAt"`
	CurrentVersion int64           `json:"currentVersion"`
	CurrentContent json.RawMessage `json:"currentContent"`
}

// Save submits one compare-and-set save.
func (a *API) Save(ctx context.Context, request SaveRequest) (SaveOutcome, error) {
	payload := saveRequestPayload{
		OwnerID:         a.ownerID,
		SectionType:     request.Section.Type,
		SectionKey:      request.Section.Key,
		Content:         request.Content,
		ExpectedVersion: request.ExpectedVersion,
		SaveMethod:      request.Method,
		ConnectionID:    request.ConnectionID,
	}
	return a.writeSection(ctx, "/dashboard/save", payload)
}

type restoreRequestPayload struct {
	OwnerID     string `json:"ownerId,omitempty"`
	SectionType string `json:"sectionType"`
	SectionKey  string `json:"sectionKey"`
	Version     int64  `json:"version"`
}

// Restore reinstates a retained history version.
func (a *API) Restore(ctx context.Context, section SectionID, version int64) (SaveOutcome, error) {
	payload := restoreRequestPayload{
		OwnerID:     a.ownerID,
		SectionType: section.Type,
		SectionKey:  section.Key,
		Version:     version,
	}
	return a.writeSection(ctx, "/dashboard/restore", payload)
}

func (a *API) writeSection(ctx context.Context, path string, payload any) (SaveOutcome, error) {
	var response saveResponsePayload
	status, err := a.do(ctx, http.MethodPost, path, nil, payload, &response)
	if err != nil {
		return SaveOutcome{}, err
	}
	switch {
	case status == http.StatusOK && response.Success:
		return SaveOutcome{Success: true, Version: response.Version, SavedAt: response.SavedAt}, nil
	case status == http.StatusConflict && response.Reason == reasonVersionConflict:
		content := response.CurrentContent
		if string(content) == "null" {
			content = nil
		}
		return SaveOutcome{
			Success:        false,
			Reason:         response.Reason,
			CurrentVersion: response.CurrentVersion,
			CurrentContent: content,
		}, nil
	default:
		return SaveOutcome{}, classify(&APIError{Status: status, Reason: response.Reason, Field: response.Field, Code: response.Code})
	}
}

type listResponsePayload[T any] struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
	Field   string `json:"field"`
	Code    string `json:"code"`
	Data    []T    `json:"data"`
}

// Fetch lists the owner's sections, optionally narrowed to one section type.
func (a *API) Fetch(ctx context.Context, sectionType string) ([]Section, error) {
	query := url.Values{}
	if sectionType != "" {
		query.Set("sectionType", sectionType)
	}
	return list[Section](ctx, a, "/dashboard", query)
}

// History lists retained snapshots newest first.
func (a *API) History(ctx context.Context, section SectionID, limit int) ([]HistoryEntry, error) {
	query := url.Values{}
	query.Set("sectionType", section.Type)
	query.Set("sectionKey", section.Key)
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	return list[HistoryEntry](ctx, a, "/dashboard/history", query)
}

func list[T any](ctx context.Context, a *API, path string, query url.Values) ([]T, error) {
	var response listResponsePayload[T]
	status, err := a.do(ctx, http.MethodGet, path, query, nil, &response)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK || !response.Success {
		return nil, classify(&APIError{Status: status, Reason: response.Reason, Field: response.Field, Code: response.Code})
	}
	return response.Data, nil
}

// RealtimeURL returns the websocket endpoint and the headers to dial it with.
func (a *API) RealtimeURL() (string, http.Header) {
	endpoint := *a.baseURL
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + "/dashboard/realtime"
	query := url.Values{}
	if a.ownerID != "" {
		query.Set("ownerId", a.ownerID)
	}
	endpoint.RawQuery = query.Encode()
	return endpoint.String(), a.headers()
}

func (a *API) headers() http.Header {
	header := http.Header{}
	if a.token != "" {
		header.Set("Authorization", "Bearer "+a.token)
	}
	return header
}

// do runs one request through the breaker. Transport errors and 5xx responses count as breaker
// failures; every other status is handed back to the caller with its decoded body.
func (a *API) do(ctx context.Context, method, path string, query url.Values, payload any, out any) (int, error) {
	target := *a.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	if a.ownerID != "" && method == http.MethodGet {
		if query == nil {
			query = url.Values{}
		}
		query.Set("ownerId", a.ownerID)
	}
	target.RawQuery = query.Encode()

	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("client: encode request: %w", err)
		}
		body = encoded
	}

	result, err := a.breaker.Execute(func() (interface{}, error) {
		request, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		for key, values := range a.headers() {
			request.Header[key] = values
		}
		if payload != nil {
			request.Header.Set("Content-Type", "application/json")
		}
		response, err := a.httpClient.Do(request)
		if err != nil {
			return nil, err
		}
		defer response.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		if response.StatusCode >= http.StatusInternalServerError {
			apiErr := &APIError{Status: response.StatusCode}
			decodeFailure(raw, apiErr)
			return nil, apiErr
		}
		return httpResult{status: response.StatusCode, body: raw}, nil
	})
	if err != nil {
		return 0, a.transportError(method, path, err)
	}
	response := result.(httpResult)
	if len(response.body) > 0 && out != nil {
		if err := json.Unmarshal(response.body, out); err != nil {
			return response.status, fmt.Errorf("%w: decode %s response: %v", ErrTransient, path, err)
		}
	}
	return response.status, nil
}

type httpResult struct {
	status int
	body   []byte
}

func (a *API) transportError(method, path string, err error) error {
	var apiErr *APIError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		a.logger.Debug("request short-circuited", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	case errors.As(err, &apiErr):
		a.logger.Warn("server error", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return classify(apiErr)
	case errors.Is(err, context.Canceled):
		return err
	case isDialFailure(err):
		a.logger.Warn("server unreachable", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	default:
		a.logger.Warn("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
}

func isDialFailure(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func decodeFailure(raw []byte, apiErr *APIError) {
	var payload struct {
		Reason string `json:"reason"`
		Field  string `json:"field"`
		Code   string `json:"code"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		apiErr.Reason = payload.Reason
		apiErr.Field = payload.Field
		apiErr.Code = payload.Code
	}
}

func classify(apiErr *APIError) error {
	switch {
	case apiErr.Status == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, apiErr)
	case apiErr.Status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %w", ErrTransient, apiErr)
	case apiErr.Status == http.StatusUnauthorized, apiErr.Status == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrUnauthorized, apiErr)
	case apiErr.Status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
	case apiErr.Status == http.StatusBadRequest:
		return fmt.Errorf("%w: %w", ErrValidation, apiErr)
	case apiErr.Status == http.StatusRequestTimeout, apiErr.Status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrTransient, apiErr)
	default:
		return fmt.Errorf("%w: %w", ErrValidation, apiErr)
	}
}
