package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	DefaultDebounce  = 2 * time.Second
	DefaultRetryBase = time.Second
	DefaultRetryMax  = 30 * time.Second

	defaultSaveMethod = "auto"
	anyTimer          = -1
)

var errMissingSaver = errors.New("client: saver is required")

// Saver submits saves; *API implements it.
type Saver interface {
	Save(ctx context.Context, request SaveRequest) (SaveOutcome, error)
}

type SaveQueueConfig struct {
	Saver    Saver
	Versions *VersionTable
	// Offline persists saves that could not reach the server. Optional.
	Offline  OfflineStore
	Clock    Clock
	Debounce time.Duration
	// RetryBase and RetryMax bound the exponential retry delay. RetryJitter is the
	// randomization factor applied to each delay; zero keeps delays exact.
	RetryBase      time.Duration
	RetryMax       time.Duration
	RetryJitter    float64
	RequestTimeout time.Duration
	Method         string
	Logger         *zap.Logger
}

// SaveQueue debounces, sends and retries section saves. Each section runs its own state
// machine; sections never wait on one another.
type SaveQueue struct {
	saver          Saver
	versions       *VersionTable
	offline        OfflineStore
	clock          Clock
	debounce       time.Duration
	retryBase      time.Duration
	retryMax       time.Duration
	retryJitter    float64
	requestTimeout time.Duration
	method         string
	logger         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	entries      map[SectionID]*entry
	listeners    []Listener
	online       bool
	connectionID string
}

type serverState struct {
	version int64
	content json.RawMessage
	source  string
}

type entry struct {
	id      SectionID
	state   State
	pending bool
	content json.RawMessage
	// dirtyAfterSend marks an edit that arrived while a send was in flight.
	dirtyAfterSend bool
	// sendNow asks for that edit to go out as soon as the in-flight send completes.
	sendNow        bool
	persisted      bool
	attempts       int
	timer          Timer
	timerGen       int64
	retry          *backoff.ExponentialBackOff
	conflict       *serverState
	// stash holds the newest remote update seen while a send was in flight.
	stash *serverState
}

func NewSaveQueue(cfg SaveQueueConfig) (*SaveQueue, error) {
	if cfg.Saver == nil {
		return nil, errMissingSaver
	}
	versions := cfg.Versions
	if versions == nil {
		versions = NewVersionTable()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = systemClock{}
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = DefaultRetryBase
	}
	retryMax := cfg.RetryMax
	if retryMax < retryBase {
		retryMax = DefaultRetryMax
		if retryMax < retryBase {
			retryMax = retryBase
		}
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	method := strings.TrimSpace(cfg.Method)
	if method == "" {
		method = defaultSaveMethod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SaveQueue{
		saver:          cfg.Saver,
		versions:       versions,
		offline:        cfg.Offline,
		clock:          clock,
		debounce:       debounce,
		retryBase:      retryBase,
		retryMax:       retryMax,
		retryJitter:    cfg.RetryJitter,
		requestTimeout: requestTimeout,
		method:         method,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		entries:        make(map[SectionID]*entry),
		online:         true,
	}, nil
}

// OnEvent registers a listener.
func (q *SaveQueue) OnEvent(listener Listener) {
	if listener == nil {
		return
	}
	q.mu.Lock()
	q.listeners = append(q.listeners, listener)
	q.mu.Unlock()
}

// Versions exposes the version table shared with the subscriber.
func (q *SaveQueue) Versions() *VersionTable {
	return q.versions
}

// SetConnectionID records the push channel id so the server skips echoing our own saves.
func (q *SaveQueue) SetConnectionID(connectionID string) {
	q.mu.Lock()
	q.connectionID = connectionID
	q.mu.Unlock()
}

// Online reports whether saves are sent or only queued.
func (q *SaveQueue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// State returns the lifecycle state of a section.
func (q *SaveQueue) State(id SectionID) State {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[id]; ok {
		return e.state
	}
	return StateIdle
}

// Pending returns the unsent local document, if any.
func (q *SaveQueue) Pending(id SectionID) (json.RawMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || !e.pending {
		return nil, false
	}
	return clone(e.content), true
}

// Edit records new local content. Rapid edits coalesce: only the newest document is kept and
// the debounce timer restarts.
func (q *SaveQueue) Edit(id SectionID, content json.RawMessage) error {
	if strings.TrimSpace(id.Type) == "" || strings.TrimSpace(id.Key) == "" {
		return fmt.Errorf("%w: section type and key are required", ErrValidation)
	}
	if len(content) == 0 || !json.Valid(content) {
		return fmt.Errorf("%w: content must be a json document", ErrValidation)
	}

	q.mu.Lock()
	e := q.entryLocked(id)
	e.content = clone(content)
	e.pending = true
	var events []Event
	switch e.state {
	case StateSending:
		e.dirtyAfterSend = true
	case StateConflicted:
	case StateOffline:
		events = append(events, q.persistLocked(e))
	default:
		if !q.online {
			e.state = StateOffline
			events = append(events, q.persistLocked(e))
			break
		}
		e.state = StateDebouncing
		q.scheduleLocked(e, q.debounce)
	}
	q.mu.Unlock()
	q.dispatch(events)
	return nil
}

// SaveNow sends the pending document immediately, bypassing the debounce timer.
func (q *SaveQueue) SaveNow(ctx context.Context, id SectionID) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || !e.pending {
		q.mu.Unlock()
		return ErrNothingPending
	}
	if e.state == StateConflicted {
		q.mu.Unlock()
		return fmt.Errorf("client: %s is conflicted and needs a resolution", id)
	}
	if e.state == StateSending {
		if e.dirtyAfterSend {
			e.sendNow = true
		}
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()
	q.send(ctx, id, anyTimer)
	return nil
}

// Flush sends every pending, unconflicted section now.
func (q *SaveQueue) Flush(ctx context.Context) {
	q.mu.Lock()
	ids := make([]SectionID, 0, len(q.entries))
	for id, e := range q.entries {
		switch {
		case !e.pending || e.state == StateConflicted:
		case e.state == StateSending:
			e.sendNow = e.dirtyAfterSend
		default:
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()
	for _, id := range ids {
		q.send(ctx, id, anyTimer)
	}
}

// Resolve clears a conflict. KeepLocal and Merge send immediately using the server's version as
// the expected version; UseServer drops the local document.
func (q *SaveQueue) Resolve(ctx context.Context, id SectionID, resolution Resolution, merged json.RawMessage) error {
	if resolution == Merge && (len(merged) == 0 || !json.Valid(merged)) {
		return fmt.Errorf("%w: merged content must be a json document", ErrValidation)
	}
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || e.state != StateConflicted || e.conflict == nil {
		q.mu.Unlock()
		return ErrNotConflicted
	}
	server := e.conflict
	e.conflict = nil
	q.versions.Set(id, server.version)

	var events []Event
	switch resolution {
	case UseServer:
		q.clearLocked(e)
		events = append(events, Event{
			Type:    EventRemoteApplied,
			Section: id,
			Version: server.version,
			Content: server.content,
			Source:  SourceResolution,
		})
	case Merge:
		e.content = clone(merged)
		e.state = StateDirty
	default:
		e.state = StateDirty
	}
	q.mu.Unlock()
	q.dispatch(events)

	if resolution != UseServer {
		q.send(ctx, id, anyTimer)
	}
	return nil
}

// ApplyRemote reconciles a change observed by the subscriber. Updates not newer than the known
// version are dropped, so duplicate or reordered deliveries are harmless.
func (q *SaveQueue) ApplyRemote(update RemoteUpdate) Decision {
	if update.Version <= q.versions.Get(update.Section) {
		return DecisionStale
	}
	q.mu.Lock()
	e, ok := q.entries[update.Section]
	var events []Event
	decision := DecisionApplied
	switch {
	case !ok || !e.pending:
		if !q.versions.Advance(update.Section, update.Version) {
			q.mu.Unlock()
			return DecisionStale
		}
		events = append(events, Event{
			Type:    EventRemoteApplied,
			Section: update.Section,
			Version: update.Version,
			Content: clone(update.Content),
			Source:  update.Source,
		})
	case e.state == StateSending:
		if e.stash == nil || update.Version > e.stash.version {
			e.stash = &serverState{version: update.Version, content: clone(update.Content), source: update.Source}
		}
		decision = DecisionDeferred
	default:
		events = append(events, q.conflictLocked(e, serverState{
			version: update.Version,
			content: clone(update.Content),
			source:  update.Source,
		}))
		decision = DecisionConflicted
	}
	q.mu.Unlock()
	q.dispatch(events)
	return decision
}

// LoadOffline restores durable pending saves into the queue in the Offline state.
func (q *SaveQueue) LoadOffline(ctx context.Context) (int, error) {
	if q.offline == nil {
		return 0, nil
	}
	rows, err := q.offline.List(ctx)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	loaded := 0
	for _, row := range rows {
		id := row.ID()
		e := q.entryLocked(id)
		if e.pending && e.state != StateOffline {
			continue
		}
		e.content = row.Content()
		e.pending = true
		e.persisted = true
		e.attempts = row.AttemptCount
		e.state = StateOffline
		if row.ExpectedVersion != nil && q.versions.Get(id) == 0 {
			q.versions.Set(id, *row.ExpectedVersion)
		}
		loaded++
	}
	return loaded, nil
}

// SetOnline leaves offline mode and replays queued saves in the order they were enqueued.
func (q *SaveQueue) SetOnline(ctx context.Context) error {
	if _, err := q.LoadOffline(ctx); err != nil {
		return err
	}
	order, err := q.replayOrder(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.online = true
	for _, id := range order {
		if e, ok := q.entries[id]; ok && e.state == StateOffline {
			e.state = StateDirty
		}
	}
	q.mu.Unlock()

	for index, id := range order {
		if !q.Online() {
			q.markOffline(order[index:])
			break
		}
		q.send(ctx, id, anyTimer)
	}
	return nil
}

func (q *SaveQueue) markOffline(ids []SectionID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		if e, ok := q.entries[id]; ok && e.pending && e.state == StateDirty {
			e.state = StateOffline
		}
	}
}

func (q *SaveQueue) replayOrder(ctx context.Context) ([]SectionID, error) {
	seen := make(map[SectionID]bool)
	var order []SectionID
	if q.offline != nil {
		rows, err := q.offline.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			seen[row.ID()] = true
			order = append(order, row.ID())
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, e := range q.entries {
		if e.state == StateOffline && !seen[id] {
			order = append(order, id)
		}
	}
	return order, nil
}

// Close stops every timer and cancels in-flight timer-driven sends.
func (q *SaveQueue) Close() {
	q.cancel()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		q.stopTimerLocked(e)
	}
}

func (q *SaveQueue) fire(id SectionID, gen int64) {
	q.send(q.ctx, id, gen)
}

// send moves a section to Sending, submits it and applies the outcome. gen guards timer
// callbacks that lost a race with a newer schedule; anyTimer skips the guard.
func (q *SaveQueue) send(ctx context.Context, id SectionID, gen int64) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || !e.pending || (gen != anyTimer && gen != e.timerGen) {
		q.mu.Unlock()
		return
	}
	if e.state == StateSending || e.state == StateConflicted {
		q.mu.Unlock()
		return
	}
	if !q.online {
		q.stopTimerLocked(e)
		e.state = StateOffline
		event := q.persistLocked(e)
		q.mu.Unlock()
		q.dispatch([]Event{event})
		return
	}
	q.stopTimerLocked(e)
	e.state = StateSending
	e.dirtyAfterSend = false
	e.sendNow = false
	e.attempts++
	request := SaveRequest{
		Section:         id,
		Content:         clone(e.content),
		ExpectedVersion: q.versions.expected(id),
		Method:          q.method,
		ConnectionID:    q.connectionID,
	}
	attempt := e.attempts
	q.mu.Unlock()

	requestCtx, cancel := context.WithTimeout(ctx, q.requestTimeout)
	outcome, err := q.saver.Save(requestCtx, request)
	cancel()

	q.complete(e, request, attempt, outcome, err)
}

func (q *SaveQueue) complete(e *entry, request SaveRequest, attempt int, outcome SaveOutcome, err error) {
	q.mu.Lock()
	dirty := e.dirtyAfterSend
	e.dirtyAfterSend = false
	immediate := dirty && e.sendNow
	e.sendNow = false
	stash := e.stash
	e.stash = nil
	resend := false
	var events []Event

	switch {
	case err == nil && outcome.Success:
		q.versions.Advance(e.id, outcome.Version)
		e.attempts = 0
		e.retryBackoff(q).Reset()
		q.forgetLocked(e)
		events = append(events, Event{
			Type:    EventSaveSuccess,
			Section: e.id,
			Version: outcome.Version,
			Content: request.Content,
			Attempt: attempt,
		})
		if dirty {
			resend = q.requeueLocked(e, immediate)
		} else {
			q.clearLocked(e)
		}
		if stash != nil && stash.version > outcome.Version {
			if e.pending {
				events = append(events, q.conflictLocked(e, *stash))
			} else if q.versions.Advance(e.id, stash.version) {
				events = append(events, Event{
					Type:    EventRemoteApplied,
					Section: e.id,
					Version: stash.version,
					Content: stash.content,
					Source:  stash.source,
				})
			}
		}
		q.logger.Debug("section saved", zap.String("section", e.id.String()), zap.Int64("version", outcome.Version))

	case err == nil:
		server := serverState{version: outcome.CurrentVersion, content: clone(outcome.CurrentContent)}
		if stash != nil && stash.version > server.version {
			server = *stash
		}
		events = append(events, q.conflictLocked(e, server))

	case errors.Is(err, ErrBackendUnavailable):
		q.online = false
		e.state = StateOffline
		event := q.persistLocked(e)
		event.Err = err
		events = append(events, event)
		q.logger.Warn("backend unavailable, queueing offline", zap.String("section", e.id.String()), zap.Error(err))

	case Retryable(err):
		delay := e.retryBackoff(q).NextBackOff()
		if dirty {
			delay = q.debounce
			if resend = q.requeueLocked(e, immediate); resend {
				delay = 0
			}
		} else {
			e.state = StateRetrying
			q.scheduleLocked(e, delay)
		}
		events = append(events, Event{
			Type:    EventSaveRetrying,
			Section: e.id,
			Content: request.Content,
			Attempt: attempt,
			RetryIn: delay,
			Err:     err,
		})
		q.logger.Info("section save failed, retrying",
			zap.String("section", e.id.String()),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))

	case errors.Is(err, ErrValidation):
		events = append(events, Event{
			Type:    EventSaveError,
			Section: e.id,
			Content: request.Content,
			Attempt: attempt,
			Err:     err,
		})
		if dirty {
			resend = q.requeueLocked(e, immediate)
		} else {
			q.clearLocked(e)
		}
		q.logger.Warn("section save rejected", zap.String("section", e.id.String()), zap.Error(err))

	default:
		// Any other failure keeps the document; it waits in the offline queue for the next replay.
		q.stopTimerLocked(e)
		e.state = StateOffline
		q.persistLocked(e)
		events = append(events, Event{
			Type:    EventSaveError,
			Section: e.id,
			Content: request.Content,
			Attempt: attempt,
			Err:     err,
		})
		q.logger.Warn("section save not accepted, kept for replay", zap.String("section", e.id.String()), zap.Error(err))
	}

	if err != nil && stash != nil && e.state != StateConflicted && e.pending && stash.version > q.versions.Get(e.id) {
		events = append(events, q.conflictLocked(e, *stash))
	}
	q.mu.Unlock()
	q.dispatch(events)

	if resend {
		q.send(q.ctx, e.id, anyTimer)
	}
}

// requeueLocked handles an edit made during a send. It restarts the debounce, or reports that the
// section should be sent right away when SaveNow asked for it.
func (q *SaveQueue) requeueLocked(e *entry, immediate bool) bool {
	if immediate {
		q.stopTimerLocked(e)
		e.state = StateDirty
		return true
	}
	e.state = StateDebouncing
	q.scheduleLocked(e, q.debounce)
	return false
}

func (q *SaveQueue) conflictLocked(e *entry, server serverState) Event {
	q.stopTimerLocked(e)
	e.state = StateConflicted
	e.conflict = &server
	return Event{
		Type:          EventSaveConflict,
		Section:       e.id,
		Content:       clone(e.content),
		ServerVersion: server.version,
		ServerContent: server.content,
		Source:        server.source,
	}
}

func (q *SaveQueue) persistLocked(e *entry) Event {
	event := Event{Type: EventSaveQueued, Section: e.id, Content: clone(e.content), Attempt: e.attempts}
	if q.offline == nil {
		return event
	}
	row := PendingSave{
		SectionType:     e.id.Type,
		SectionKey:      e.id.Key,
		ContentJSON:     string(e.content),
		ExpectedVersion: q.versions.expected(e.id),
		AttemptCount:    e.attempts,
		EnqueuedAtMs:    q.clock.Now().UnixMilli(),
	}
	if err := q.offline.Put(context.WithoutCancel(q.ctx), row); err != nil {
		q.logger.Error("failed to persist offline save", zap.String("section", e.id.String()), zap.Error(err))
		event.Err = err
		return event
	}
	e.persisted = true
	return event
}

func (q *SaveQueue) forgetLocked(e *entry) {
	if !e.persisted || q.offline == nil {
		return
	}
	if err := q.offline.Remove(context.WithoutCancel(q.ctx), e.id); err != nil {
		q.logger.Warn("failed to remove offline save", zap.String("section", e.id.String()), zap.Error(err))
		return
	}
	e.persisted = false
}

func (q *SaveQueue) clearLocked(e *entry) {
	q.stopTimerLocked(e)
	e.pending = false
	e.content = nil
	e.attempts = 0
	e.state = StateIdle
	q.forgetLocked(e)
}

func (q *SaveQueue) scheduleLocked(e *entry, delay time.Duration) {
	q.stopTimerLocked(e)
	e.timerGen++
	gen := e.timerGen
	id := e.id
	e.timer = q.clock.AfterFunc(delay, func() {
		q.fire(id, gen)
	})
}

func (q *SaveQueue) stopTimerLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
}

func (q *SaveQueue) entryLocked(id SectionID) *entry {
	e, ok := q.entries[id]
	if !ok {
		e = &entry{id: id, state: StateIdle}
		q.entries[id] = e
	}
	return e
}

func (e *entry) retryBackoff(q *SaveQueue) *backoff.ExponentialBackOff {
	if e.retry == nil {
		e.retry = &backoff.ExponentialBackOff{
			InitialInterval:     q.retryBase,
			RandomizationFactor: q.retryJitter,
			Multiplier:          backoff.DefaultMultiplier,
			MaxInterval:         q.retryMax,
		}
		e.retry.Reset()
	}
	return e.retry
}

func (q *SaveQueue) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}
	q.mu.Lock()
	listeners := append([]Listener(nil), q.listeners...)
	q.mu.Unlock()
	for _, event := range events {
		for _, listener := range listeners {
			listener(event)
		}
	}
}

func clone(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
