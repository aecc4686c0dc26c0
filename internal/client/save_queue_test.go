package client

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var overview = SectionID{Type: "widget", Key: "overview"}

func TestEditsCoalesceIntoOneSave(t *testing.T) {
	fixture := newQueueFixture(t, nil)

	require.NoError(t, fixture.queue.Edit(overview, raw(`{"text":"a"}`)))
	fixture.clock.Advance(500 * time.Millisecond)
	require.NoError(t, fixture.queue.Edit(overview, raw(`{"text":"ab"}`)))
	fixture.clock.Advance(500 * time.Millisecond)
	require.NoError(t, fixture.queue.Edit(overview, raw(`{"text":"abc"}`)))
	assert.Equal(t, StateDebouncing, fixture.queue.State(overview))

	fixture.clock.Advance(2*time.Second - time.Millisecond)
	assert.Empty(t, fixture.saver.Requests())

	fixture.clock.Advance(time.Millisecond)
	requests := fixture.saver.Requests()
	require.Len(t, requests, 1)
	assert.JSONEq(t, `{"text":"abc"}`, string(requests[0].Content))
	assert.Nil(t, requests[0].ExpectedVersion)
	assert.Equal(t, "auto", requests[0].Method)

	assert.Equal(t, StateIdle, fixture.queue.State(overview))
	assert.Equal(t, int64(1), fixture.queue.Versions().Get(overview))
	successes := fixture.events.OfType(EventSaveSuccess)
	require.Len(t, successes, 1)
	assert.Equal(t, int64(1), successes[0].Version)
	_, pending := fixture.queue.Pending(overview)
	assert.False(t, pending)
}

func TestEditRejectsInvalidInput(t *testing.T) {
	fixture := newQueueFixture(t, nil)
	assert.ErrorIs(t, fixture.queue.Edit(SectionID{Type: "widget"}, raw(`{}`)), ErrValidation)
	assert.ErrorIs(t, fixture.queue.Edit(overview, raw(`{broken`)), ErrValidation)
	assert.ErrorIs(t, fixture.queue.SaveNow(context.Background(), overview), ErrNothingPending)
}

func TestSaveNowUsesKnownVersion(t *testing.T) {
	fixture := newQueueFixture(t, nil)
	fixture.queue.Versions().Set(overview, 4)

	require.NoError(t, fixture.queue.Edit(overview, raw(`{"n":5}`)))
	require.NoError(t, fixture.queue.SaveNow(context.Background(), overview))

	requests := fixture.saver.Requests()
	require.Len(t, requests, 1)
	require.NotNil(t, requests[0].ExpectedVersion)
	assert.Equal(t, int64(4), *requests[0].ExpectedVersion)
	assert.Equal(t, int64(5), fixture.queue.Versions().Get(overview))
	assert.Zero(t, fixture.clock.Active(), "the debounce timer must be canceled")
}

func TestSaveCarriesConnectionID(t *testing.T) {
	fixture := newQueueFixture(t, nil)
	fixture.queue.SetConnectionID("conn-7")
	require.NoError(t, fixture.queue.Edit(overview, raw(`{}`)))
	require.NoError(t, fixture.queue.SaveNow(context.Background(), overview))
	assert.Equal(t, "conn-7", fixture.saver.Requests()[0].ConnectionID)
}

func TestEditDuringSendReentersDirty(t *testing.T) {
	fixture := newQueueFixture(t, nil)
	fixture.saver.gate = make(chan struct{})
	fixture.saver.started = make(chan struct{}, 4)

	require.NoError(t, fixture.queue.Edit(overview, raw(`{"v":"first"}`)))
	done := make(chan struct{})
	go func() {
		defer close(done)
		fixture.clock.Advance(2 * time.Second)
	}()
	<-fixture.saver.started
	assert.Equal(t, StateSending, fixture.queue.State(overview))

	require.NoError(t, fixture.queue.Edit(overview, raw(`{"v":"second"}`)))
	fixture.saver.gate <- struct{}{}
	<-done

	assert.Equal(t, StateDebouncing, fixture.queue.State(overview))
	pending, ok := fixture.queue.Pending(overview)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":"second"}`, string(pending))

	go func() {
		<-fixture.saver.started
		fixture.saver.gate <- struct{}{}
	}()
	fixture.clock.Advance(2 * time.Second)

	requests := fixture.saver.Requests()
	require.Len(t, requests, 2)
	assert.JSONEq(t, `{"v":"second"}`, string(requests[1].Content))
	require.NotNil(t, requests[1].ExpectedVersion)
	assert.Equal(t, int64(1), *requests[1].ExpectedVersion)
	assert.Equal(t, StateIdle, fixture.queue.State(overview))
}

func TestSaveNowDuringSendSendsOnCompletion(t *testing.T) {
	fixture := newQueueFixture(t, nil)
	fixture.saver.gate = make(chan struct{})
	fixture.saver.started = make(chan struct{}, 4)

	require.NoError(t, fixture.queue.Edit(overview, raw(`{"v":"first"}`)))
	done := make(chan struct{})
	go func() {
		defer close(done)
		fixture.clock.Advance(2 * time.Second)
	}()
	<-fixture.saver.started

	require.NoError(t, fixture.queue.Edit(overview, raw(`{"v":"second"}`)))
	require.NoError(t, fixture.queue.SaveNow(context.Background(), overview))
	fixture.saver.gate <- struct{}{}
	<-fixture.saver.started
	fixture.saver.gate <- struct{}{}
	<-done

	requests := fixture.saver.Requests()
	require.Len(t, requests, 2)
	assert.JSONEq(t, `{"v":"second"}`, string(requests[1].Content))
	assert.Equal(t, int64(1), *requests[1].ExpectedVersion)
	assert.Equal(t, StateIdle, fixture.queue.State(overview))
	assert.Zero(t, fixture.clock.Active(), "no debounce wait after an explicit save")
}

func TestConflictRetainsPendingUntilResolved(t *testing.T) {
	fixture := newQueueFixture(t, nil)
	fixture.queue.Versions().Set(overview, 2)
	fixture.saver.script(saveResponse{outcome: SaveOutcome{
		Reason:         "version_conflict",
		CurrentVersion: 3,
		CurrentContent: raw(`{"text":"theirs"}`),
	}})

	require.NoError(t, fixture.queue.Edit(overview, raw(`{"text":"mine"}`)))
	fixture.clock.Advance(2 * time.Second)

	conflicts := fixture.events.OfType(EventSaveConflict)
	require.Len(t, conflicts, 1)
	assert.Equal(t, int64(3), conflicts[0].ServerVersion)
	assert.JSONEq(t, `{"text":"theirs"}`, string(conflicts[0].ServerContent))
	assert.JSONEq(t, `{"text":"mine"}`, string(conflicts[0].Content))
	assert.Equal(t, StateConflicted, fixture.queue.State(overview))

	require.NoError(t, fixture.queue.Edit(overview, raw(`{"text":"mine, edited"}`)))
	fixture.clock.Advance(time.Minute)
	assert.Len(t, fixture.saver.Requests(), 1, "a conflicted section is never sent without a resolution")
	assert.Error(t, fixture.queue.SaveNow(context.Background(), overview))

	require.NoError(t, fixture.queue.Resolve(context.Background(), overview, KeepLocal, nil))
	requests := fixture.saver.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, int64(3), *requests[1].ExpectedVersion)
	assert.JSONEq(t, `{"text":"mine, edited"}`, string(requests[1].Content))
	assert.Equal(t, int64(4), fixture.queue.Versions().Get(overview))
	assert.Equal(t, StateIdle, fixture.queue.State(overview))

	assert.ErrorIs(t, fixture.queue.Resolve(context.Background(), overview, KeepLocal, nil), ErrNotConflicted)
}

func TestResolveWithServerOrMerge(t *testing.T) {
	fixture := newQueueFixture(t, nil)
	sidebar := SectionID{Type: "widget", Key: "sidebar"}
	conflict := saveResponse{outcome: SaveOutcome{
		Reason:         "version_conflict",
		CurrentVersion: 9,
		CurrentContent: raw(`{"server":true}`),
	}}
	fixture.saver.script(conflict, conflict)

	require.NoError(t, fixture.queue.Edit(overview, raw(`{"local":true}`)))
	require.NoError(t, fixture.queue.Edit(sidebar, raw(`{"local":true}`)))
	fixture.clock.Advance(2 * time.Second)
	require.Len(t, fixture.events.OfType(EventSaveConflict), 2)

	require.NoError(t, fixture.queue.Resolve(context.Background(), overview, UseServer, nil))
	applied := fixture.events.OfType(EventRemoteApplied)
	require.Len(t, applied, 1)
	assert.Equal(t, SourceResolution, applied[0].Source)
	assert.Equal(t, int64(9), fixture.queue.Versions().Get(overview))
	_, pending := fixture.queue.Pending(overview)
	assert.False(t, pending)

	assert.ErrorIs(t, fixture.queue.Resolve(context.Background(), sidebar, Merge, nil), ErrValidation)
	require.NoError(t, fixture.queue.Resolve(context.Background(), sidebar, Merge, raw(`{"local":true,"server":true}`)))
	requests := fixture.saver.Requests()
	require.Len(t, requests, 3)
	assert.Equal(t, sidebar, requests[2].Section)
	assert.Equal(t, int64(9), *requests[2].ExpectedVersion)
	assert.JSONEq(t, `{"local":true,"server":true}`, string(requests[2].Content))
	assert.Equal(t, int64(10), fixture.queue.Versions().Get(sidebar))
}

func TestTransientFailuresRetryWithBackoff(t *testing.T) {
	fixture := newQueueFixture(t, nil)
	failure := saveResponse{err: fmt.Errorf("%w: connection reset", ErrTransient)}
	fixture.saver.script(failure, failure)

	require.NoError(t, fixture.queue.Edit(overview, raw(`{}`)))
	fixture.clock.Advance(2 * time.Second)
	require.Len(t, fixture.saver.Requests(), 1)
	assert.Equal(t, StateRetrying, fixture.queue.State(overview))

	fixture.clock.Advance(time.Second - time.Millisecond)
	assert.Len(t, fixture.saver.Requests(), 1)
	fixture.clock.Advance(time.Millisecond)
	assert.Len(t, fixture.saver.Requests(), 2)

	fixture.clock.Advance(2 * time.Second)
	assert.Len(t, fixture.saver.Requests(), 3)
	assert.Equal(t, StateIdle, fixture.queue.State(overview))

	retries := fixture.events.OfType(EventSaveRetrying)
	require.Len(t, retries, 2)
	assert.Equal(t, time.Second, retries[0].RetryIn)
	assert.Equal(t, 2*time.Second, retries[1].RetryIn)
	assert.Equal(t, 2, retries[1].Attempt)
	require.Len(t, fixture.events.OfType(EventSaveSuccess), 1)
	assert.Equal(t, 3, fixture.events.OfType(EventSaveSuccess)[0].Attempt)
}

func TestNewerEditSupersedesRetry(t *testing.T) {
	fixture := newQueueFixture(t, nil)
	fixture.saver.script(saveResponse{err: fmt.Errorf("%w: timeout", ErrTransient)})

	require.NoError(t, fixture.queue.Edit(overview, raw(`{"v":1}`)))
	fixture.clock.Advance(2 * time.Second)
	require.Equal(t, StateRetrying, fixture.queue.State(overview))

	require.NoError(t, fixture.queue.Edit(overview, raw(`{"v":2}`)))
	assert.Equal(t, StateDebouncing, fixture.queue.State(overview))
	fixture.clock.Advance(time.Second)
	assert.Len(t, fixture.saver.Requests(), 1, "the retry timer must be canceled by the newer edit")

	fixture.clock.Advance(time.Second)
	requests := fixture.saver.Requests()
	require.Len(t, requests, 2)
	assert.JSONEq(t, `{"v":2}`, string(requests[1].Content))
}

func TestValidationErrorIsNotRetried(t *testing.T) {
	fixture := newQueueFixture(t, nil)
	fixture.saver.script(saveResponse{err: fmt.Errorf("%w: bad content", ErrValidation)})

	require.NoError(t, fixture.queue.Edit(overview, raw(`{}`)))
	fixture.clock.Advance(2 * time.Second)
	fixture.clock.Advance(time.Minute)

	assert.Len(t, fixture.saver.Requests(), 1)
	errorsSeen := fixture.events.OfType(EventSaveError)
	require.Len(t, errorsSeen, 1)
	assert.ErrorIs(t, errorsSeen[0].Err, ErrValidation)
	assert.Equal(t, StateIdle, fixture.queue.State(overview))
}

func TestBackendUnavailableQueuesOfflineAndReplaysLatest(t *testing.T) {
	store, err := OpenOfflineQueue(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fixture := newQueueFixture(t, store)
	notes := SectionID{Type: "widget", Key: "notes"}
	fixture.saver.script(saveResponse{err: fmt.Errorf("%w: breaker open", ErrBackendUnavailable)})

	require.NoError(t, fixture.queue.Edit(notes, raw(`{"text":"one"}`)))
	fixture.clock.Advance(2 * time.Second)
	assert.False(t, fixture.queue.Online())
	assert.Equal(t, StateOffline, fixture.queue.State(notes))

	require.NoError(t, fixture.queue.Edit(notes, raw(`{"text":"two"}`)))
	require.NoError(t, fixture.queue.Edit(notes, raw(`{"text":"three"}`)))
	fixture.clock.Advance(time.Minute)
	assert.Len(t, fixture.saver.Requests(), 1)

	rows, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"text":"three"}`, rows[0].ContentJSON)
	assert.Len(t, fixture.events.OfType(EventSaveQueued), 3)

	require.NoError(t, fixture.queue.SetOnline(context.Background()))
	requests := fixture.saver.Requests()
	require.Len(t, requests, 2)
	assert.JSONEq(t, `{"text":"three"}`, string(requests[1].Content))
	assert.Equal(t, StateIdle, fixture.queue.State(notes))

	rows, err = store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRejectedReplayKeepsDurableSave(t *testing.T) {
	testCases := []struct {
		name string
		err  error
	}{
		{name: "unauthorized", err: fmt.Errorf("%w: token expired", ErrUnauthorized)},
		{name: "not found", err: fmt.Errorf("%w: no such section", ErrNotFound)},
		{name: "canceled", err: context.Canceled},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			store, err := OpenOfflineQueue(filepath.Join(t.TempDir(), "queue.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			ctx := context.Background()
			notes := SectionID{Type: "widget", Key: "notes"}
			require.NoError(t, store.Put(ctx, PendingSave{SectionType: "widget", SectionKey: "notes", ContentJSON: `{"text":"offline work"}`, ExpectedVersion: version(3), EnqueuedAtMs: 1000}))

			fixture := newQueueFixture(t, store)
			fixture.saver.script(saveResponse{err: testCase.err})
			require.NoError(t, fixture.queue.SetOnline(ctx))

			rows, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.JSONEq(t, `{"text":"offline work"}`, rows[0].ContentJSON)
			require.NotNil(t, rows[0].ExpectedVersion)
			assert.Equal(t, int64(3), *rows[0].ExpectedVersion)

			pending, ok := fixture.queue.Pending(notes)
			require.True(t, ok)
			assert.JSONEq(t, `{"text":"offline work"}`, string(pending))
			assert.Equal(t, StateOffline, fixture.queue.State(notes))
			errorsSeen := fixture.events.OfType(EventSaveError)
			require.Len(t, errorsSeen, 1)
			assert.ErrorIs(t, errorsSeen[0].Err, testCase.err)

			fixture.clock.Advance(time.Minute)
			assert.Len(t, fixture.saver.Requests(), 1, "a kept save waits for the next replay")

			require.NoError(t, fixture.queue.SetOnline(ctx))
			requests := fixture.saver.Requests()
			require.Len(t, requests, 2)
			assert.Equal(t, int64(3), *requests[1].ExpectedVersion)
			assert.Equal(t, StateIdle, fixture.queue.State(notes))
			rows, err = store.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, rows)
		})
	}
}

func TestValidationRejectionDropsDurableSave(t *testing.T) {
	store, err := OpenOfflineQueue(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, PendingSave{SectionType: "widget", SectionKey: "notes", ContentJSON: `{}`, EnqueuedAtMs: 1000}))

	fixture := newQueueFixture(t, store)
	fixture.saver.script(saveResponse{err: fmt.Errorf("%w: content too large", ErrValidation)})
	require.NoError(t, fixture.queue.SetOnline(ctx))

	rows, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
	_, pending := fixture.queue.Pending(SectionID{Type: "widget", Key: "notes"})
	assert.False(t, pending)
}

func TestCloseDuringSendKeepsDurableSave(t *testing.T) {
	store, err := OpenOfflineQueue(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fixture := newQueueFixture(t, store)
	fixture.saver.gate = make(chan struct{})
	fixture.saver.started = make(chan struct{}, 1)
	fixture.saver.script(saveResponse{err: context.Canceled})

	require.NoError(t, fixture.queue.Edit(overview, raw(`{"text":"unsaved"}`)))
	done := make(chan struct{})
	go func() {
		defer close(done)
		fixture.clock.Advance(2 * time.Second)
	}()
	<-fixture.saver.started
	fixture.queue.Close()
	fixture.saver.gate <- struct{}{}
	<-done

	rows, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"text":"unsaved"}`, rows[0].ContentJSON)
	_, pending := fixture.queue.Pending(overview)
	assert.True(t, pending)
}

func TestOfflineEditsOnOtherSectionsSkipTheNetwork(t *testing.T) {
	fixture := newQueueFixture(t, nil)
	fixture.saver.script(saveResponse{err: ErrBackendUnavailable})
	sidebar := SectionID{Type: "widget", Key: "sidebar"}

	require.NoError(t, fixture.queue.Edit(overview, raw(`{}`)))
	fixture.clock.Advance(2 * time.Second)
	require.NoError(t, fixture.queue.Edit(sidebar, raw(`{}`)))
	assert.Equal(t, StateOffline, fixture.queue.State(sidebar))
	fixture.clock.Advance(time.Minute)
	assert.Len(t, fixture.saver.Requests(), 1)

	require.NoError(t, fixture.queue.SetOnline(context.Background()))
	assert.Len(t, fixture.saver.Requests(), 3)
}

func TestQueueReplaysDurableSavesAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := OpenOfflineQueue(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, PendingSave{SectionType: "widget", SectionKey: "b", ContentJSON: `{"b":1}`, ExpectedVersion: version(3), EnqueuedAtMs: 2000}))
	require.NoError(t, store.Put(ctx, PendingSave{SectionType: "widget", SectionKey: "a", ContentJSON: `{"a":1}`, EnqueuedAtMs: 1000}))
	require.NoError(t, store.Close())

	reopened, err := OpenOfflineQueue(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	fixture := newQueueFixture(t, reopened)

	loaded, err := fixture.queue.LoadOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)
	require.NoError(t, fixture.queue.SetOnline(ctx))

	requests := fixture.saver.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, "a", requests[0].Section.Key)
	assert.Nil(t, requests[0].ExpectedVersion)
	assert.Equal(t, "b", requests[1].Section.Key)
	assert.Equal(t, int64(3), *requests[1].ExpectedVersion)
}

func TestApplyRemote(t *testing.T) {
	fixture := newQueueFixture(t, nil)

	decision := fixture.queue.ApplyRemote(RemoteUpdate{Section: overview, Version: 2, Content: raw(`{"r":2}`), Source: SourceRealtime})
	assert.Equal(t, DecisionApplied, decision)
	assert.Equal(t, int64(2), fixture.queue.Versions().Get(overview))

	assert.Equal(t, DecisionStale, fixture.queue.ApplyRemote(RemoteUpdate{Section: overview, Version: 2, Source: SourcePolling}))
	assert.Equal(t, DecisionStale, fixture.queue.ApplyRemote(RemoteUpdate{Section: overview, Version: 1, Source: SourceRealtime}))
	assert.Len(t, fixture.events.OfType(EventRemoteApplied), 1)

	require.NoError(t, fixture.queue.Edit(overview, raw(`{"local":true}`)))
	decision = fixture.queue.ApplyRemote(RemoteUpdate{Section: overview, Version: 3, Content: raw(`{"r":3}`), Source: SourcePolling})
	assert.Equal(t, DecisionConflicted, decision)
	assert.Equal(t, StateConflicted, fixture.queue.State(overview))
	conflicts := fixture.events.OfType(EventSaveConflict)
	require.Len(t, conflicts, 1)
	assert.Equal(t, SourcePolling, conflicts[0].Source)
	assert.JSONEq(t, `{"local":true}`, string(conflicts[0].Content))

	fixture.clock.Advance(time.Minute)
	assert.Empty(t, fixture.saver.Requests(), "unsent edits must not be sent or discarded without a resolution")
	assert.Equal(t, int64(2), fixture.queue.Versions().Get(overview))
}

func TestRemoteUpdateDuringSendIsReconciledAfterAck(t *testing.T) {
	fixture := newQueueFixture(t, nil)
	fixture.saver.gate = make(chan struct{})
	fixture.saver.started = make(chan struct{}, 2)
	fixture.queue.Versions().Set(overview, 1)

	require.NoError(t, fixture.queue.Edit(overview, raw(`{"mine":true}`)))
	done := make(chan struct{})
	go func() {
		defer close(done)
		fixture.clock.Advance(2 * time.Second)
	}()
	<-fixture.saver.started

	echo := RemoteUpdate{Section: overview, Version: 2, Content: raw(`{"mine":true}`), Source: SourcePolling}
	assert.Equal(t, DecisionDeferred, fixture.queue.ApplyRemote(echo))
	fixture.saver.gate <- struct{}{}
	<-done

	assert.Equal(t, int64(2), fixture.queue.Versions().Get(overview))
	assert.Empty(t, fixture.events.OfType(EventSaveConflict))
	assert.Empty(t, fixture.events.OfType(EventRemoteApplied))

	require.NoError(t, fixture.queue.Edit(overview, raw(`{"mine":2}`)))
	done = make(chan struct{})
	go func() {
		defer close(done)
		fixture.clock.Advance(2 * time.Second)
	}()
	<-fixture.saver.started
	newer := RemoteUpdate{Section: overview, Version: 5, Content: raw(`{"theirs":5}`), Source: SourceRealtime}
	assert.Equal(t, DecisionDeferred, fixture.queue.ApplyRemote(newer))
	fixture.saver.gate <- struct{}{}
	<-done

	applied := fixture.events.OfType(EventRemoteApplied)
	require.Len(t, applied, 1)
	assert.Equal(t, int64(5), applied[0].Version)
	assert.Equal(t, int64(5), fixture.queue.Versions().Get(overview))
}
