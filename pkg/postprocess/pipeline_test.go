package postprocess

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/postprocess-forwarder/pkg/cache"
	"github.com/cuemby/postprocess-forwarder/pkg/events"
	"github.com/cuemby/postprocess-forwarder/pkg/lock"
	"github.com/cuemby/postprocess-forwarder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollaborators(t *testing.T) (*Collaborators, *MemoryGroups) {
	t.Helper()
	c, err := cache.NewMemoryCache(1024)
	require.NoError(t, err)
	groups := NewMemoryGroups()
	return &Collaborators{
		Cache:           c,
		Locks:           lock.NewMemoryManager(),
		Groups:          groups,
		Projects:        StaticProjects{OrgID: 9},
		Organizations:   StaticOrganizations{},
		Features:        StaticFeatures{Enabled_: false},
		Owners:          NoopOwners{},
		Rules:           NoopRules{},
		Commits:         NoopCommits{},
		ServiceHooks:    NoopServiceHooks{},
		ResourceChanges: NoopResourceChanges{},
		Plugins:         NoopPlugins{},
		Similarity:      NoopSimilarity{},
		Attachments:     NoopAttachments{},
	}, groups
}

func newTestJob() *Job {
	return &Job{
		Event:      &types.EventMessage{EventID: "evt-1", ProjectID: 7},
		GroupState: types.GroupState{ID: 42, IsNew: true},
	}
}

// P7: injecting an exception into any single stage does not prevent
// subsequent stages from running once each.
func TestPipelineContainment(t *testing.T) {
	c, _ := newTestCollaborators(t)
	p := NewPipeline(c)

	ran := make(map[string]int)
	failing := stages[3].name // handle_owner_assignment
	wrapped := make([]stage, len(stages))
	for i, s := range stages {
		name := s.name
		original := s.run
		wrapped[i] = stage{name: name, run: func(ctx context.Context, c *Collaborators, job *Job) error {
			ran[name]++
			if name == failing {
				return errors.New("injected failure")
			}
			return original(ctx, c, job)
		}}
	}
	p2 := &Pipeline{c: c, logger: p.logger}
	savedStages := stages
	stages = wrapped
	defer func() { stages = savedStages }()

	job := newTestJob()
	p2.runStages(context.Background(), job)

	for _, s := range savedStages {
		assert.Equalf(t, 1, ran[s.name], "stage %s should run exactly once", s.name)
	}
}

// P9: snooze state machine table. spec.md §4.7's first rule is
// "is_reprocessed or not has_reappeared is a no-op that clears
// has_reappeared" — a group_state that hasn't reappeared (including
// every brand-new one) never even reads the cached snooze, let alone
// acts on it.
func TestSnoozeTransitions(t *testing.T) {
	cases := []struct {
		name          string
		isReprocessed bool
		hasReappeared bool
		snoozePresent bool
		snoozeValid   bool
		wantReappear  bool
		wantUnignored bool
	}{
		{"not reappeared, no snooze", false, false, false, false, false, false},
		{"not reappeared, valid snooze present: guard fires before reading it", false, false, true, true, false, false},
		{"not reappeared, exceeded snooze present: guard fires before reading it", false, false, true, false, false, false},
		{"reprocessed: guard fires regardless of has_reappeared or snooze state", true, true, true, false, false, false},
		{"reappeared, no snooze", false, true, false, false, false, false},
		{"reappeared, valid snooze", false, true, true, true, false, false},
		{"reappeared, exceeded snooze", false, true, true, false, true, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, groups := newTestCollaborators(t)
			job := newTestJob()
			job.IsReprocessed = tc.isReprocessed
			job.HasReappeared = tc.hasReappeared
			if tc.snoozePresent {
				groups.SetSnooze(GroupID(job), &Snooze{Valid: tc.snoozeValid})
			}

			err := processSnoozes(context.Background(), c, job)
			require.NoError(t, err)
			assert.Equal(t, tc.wantReappear, job.HasReappeared)

			unignored := false
			for _, e := range groups.Inbox() {
				if e.Reason == ReasonUnignored {
					unignored = true
				}
			}
			assert.Equal(t, tc.wantUnignored, unignored)
		})
	}
}

// P8: running owner reconciliation twice with the same target set is a
// no-op the second time.
func TestOwnerReconciliationIdempotent(t *testing.T) {
	owners := &recordingOwners{}
	target := []OwnerRow{{Kind: "team", ID: 1, Source: "OWNERSHIP_RULE"}, {Kind: "user", ID: 2, Source: "CODEOWNERS"}}

	require.NoError(t, reconcileGroupOwners(context.Background(), owners, 5, target))
	require.NoError(t, reconcileGroupOwners(context.Background(), owners, 5, target))

	assert.Equal(t, 1, owners.replaceCalls, "second run with an already-converged target should not call ReplaceGroupOwners again")
}

type recordingOwners struct {
	NoopOwners
	existing      []OwnerRow
	replaceCalls  int
}

func (o *recordingOwners) ExistingGroupOwners(context.Context, int64) ([]OwnerRow, error) {
	return o.existing, nil
}

func (o *recordingOwners) ReplaceGroupOwners(_ context.Context, _ int64, toDelete, toInsert []OwnerRow) error {
	o.replaceCalls++
	for _, d := range toDelete {
		for i, e := range o.existing {
			if e == d {
				o.existing = append(o.existing[:i], o.existing[i+1:]...)
				break
			}
		}
	}
	o.existing = append(o.existing, toInsert...)
	return nil
}

// Scenario 5: a group whose snooze has been exceeded is reopened with
// the full side-effect chain: snooze deleted, status reset, UNIGNORED
// recorded both as history and inbox reason, a SET_UNRESOLVED activity
// created, an issue_unignored signal emitted with transition_type
// "automatic", has_reappeared set, and no NEW/REGRESSION inbox entry
// added alongside it.
func TestScenarioSnoozeExceeded(t *testing.T) {
	c, groups := newTestCollaborators(t)
	c.Signals = events.NewBroker()
	c.Signals.Start()
	defer c.Signals.Stop()
	sub := c.Signals.Subscribe()
	defer c.Signals.Unsubscribe(sub)

	groups.SetSnooze(42, &Snooze{Valid: false})

	job := newTestJob()
	job.GroupState.IsNew = false // not a new group_state: only UNIGNORED should land in the inbox
	job.HasReappeared = true     // Process sets this to !group_state.is_new before the stage list runs

	p := NewPipeline(c)
	p.runStages(context.Background(), job)

	_, stillSnoozed := groups.snoozes[42]
	assert.False(t, stillSnoozed, "snooze must be deleted once exceeded")
	assert.True(t, job.HasReappeared)

	require.Len(t, groups.history, 1)
	assert.Equal(t, "UNIGNORED", groups.history[0])
	require.Len(t, groups.activity, 1)
	assert.Equal(t, "SET_UNRESOLVED", groups.activity[0])

	var unignoredCount int
	for _, e := range groups.Inbox() {
		if e.Reason == ReasonUnignored {
			unignoredCount++
		} else {
			t.Fatalf("unexpected inbox reason %q alongside UNIGNORED", e.Reason)
		}
	}
	assert.Equal(t, 1, unignoredCount)

	select {
	case sig := <-sub:
		assert.Equal(t, events.SignalIssueUnignored, sig.Type)
		assert.Equal(t, "automatic", sig.Metadata["transition_type"])
		assert.Equal(t, int64(42), sig.GroupID)
	case <-time.After(time.Second):
		t.Fatal("expected an issue_unignored signal")
	}
}

// Scenario 6: a reprocessed, newly-created group_state skips stages
// 2-10 (snooze/owners/rules/commits/hooks/resource-changes/plugins/
// similarity) but still rebinds attachments, records a REPROCESSED
// inbox reason, and fires the event_processed signal.
func TestScenarioReprocessedEvent(t *testing.T) {
	c, groups := newTestCollaborators(t)
	c.Signals = events.NewBroker()
	c.Signals.Start()
	defer c.Signals.Stop()
	sub := c.Signals.Subscribe()
	defer c.Signals.Unsubscribe(sub)

	attachments := &recordingAttachments{}
	c.Attachments = attachments

	groups.SetSnooze(42, &Snooze{Valid: false}) // would reopen the group if processSnoozes ran

	job := newTestJob()
	job.IsReprocessed = true
	job.GroupState.IsNew = true

	p := NewPipeline(c)
	p.runStages(context.Background(), job)

	assert.False(t, job.HasReappeared, "process_snoozes must not run for a reprocessed job")
	_, stillSnoozed := groups.snoozes[42]
	assert.True(t, stillSnoozed, "a short-circuited snooze stage must not touch the stored snooze")

	assert.Equal(t, 1, attachments.calls, "update_existing_attachments must still run")

	require.Len(t, groups.Inbox(), 1)
	assert.Equal(t, ReasonReprocessed, groups.Inbox()[0].Reason)

	select {
	case sig := <-sub:
		assert.Equal(t, events.SignalEventProcessed, sig.Type)
	case <-time.After(time.Second):
		t.Fatal("expected an event_processed signal")
	}
}

type recordingAttachments struct {
	calls int
}

func (a *recordingAttachments) BindExisting(context.Context, int64, string, int64) error {
	a.calls++
	return nil
}

type recordingResourceChanges struct {
	dispatched []string
}

func (r *recordingResourceChanges) DispatchCreated(_ context.Context, kind string, _ int64) error {
	r.dispatched = append(r.dispatched, kind)
	return nil
}

type recordingServiceHooks struct {
	hasErrorCreatedHook bool
	hookChecks          int
}

func (recordingServiceHooks) Dispatch(context.Context, int64, []string, *Job) error { return nil }

func (r *recordingServiceHooks) HasErrorCreatedHook(context.Context, int64) (bool, error) {
	r.hookChecks++
	return r.hasErrorCreatedHook, nil
}

// Stage 8 only dispatches an Error change event for a non-transaction
// job whose org has the integrations-event-hooks flag enabled and an
// error.created hook registered; the Group dispatch is gated on
// is_new alone and ignores all of that.
func TestProcessResourceChangeBoundsGating(t *testing.T) {
	cases := []struct {
		name                string
		transactionForward  bool
		featureEnabled      bool
		hasErrorCreatedHook bool
		isNew               bool
		wantDispatched      []string
	}{
		{"error event, flag off", false, false, true, false, nil},
		{"error event, flag on, no hook", false, true, false, false, nil},
		{"error event, flag on, hook present", false, true, true, false, []string{"Error"}},
		{"transaction event never dispatches Error even with flag+hook", true, true, true, false, nil},
		{"new group still dispatches Group regardless of hook gating", false, false, false, true, []string{"Group"}},
		{"error event, flag on, hook present, new group: both fire", false, true, true, true, []string{"Error", "Group"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestCollaborators(t)
			c.Features = StaticFeatures{Enabled_: tc.featureEnabled}
			hooks := &recordingServiceHooks{hasErrorCreatedHook: tc.hasErrorCreatedHook}
			c.ServiceHooks = hooks
			resourceChanges := &recordingResourceChanges{}
			c.ResourceChanges = resourceChanges

			job := newTestJob()
			job.Event.TransactionForwarder = tc.transactionForward
			job.GroupState.IsNew = tc.isNew

			require.NoError(t, processResourceChangeBounds(context.Background(), c, job))
			assert.Equal(t, tc.wantDispatched, resourceChanges.dispatched)
		})
	}
}

// The error.created hook cache is a flat 60s TTL regardless of the
// cached outcome, and a cache hit skips the underlying hook check.
func TestShouldSendErrorCreatedHooksCachesFlatTTL(t *testing.T) {
	c, _ := newTestCollaborators(t)
	c.Features = StaticFeatures{Enabled_: true}
	hooks := &recordingServiceHooks{hasErrorCreatedHook: true}
	c.ServiceHooks = hooks

	job := newTestJob()

	send, err := shouldSendErrorCreatedHooks(context.Background(), c, job)
	require.NoError(t, err)
	assert.True(t, send)
	assert.Equal(t, 1, hooks.hookChecks)

	send, err = shouldSendErrorCreatedHooks(context.Background(), c, job)
	require.NoError(t, err)
	assert.True(t, send)
	assert.Equal(t, 1, hooks.hookChecks, "a cached result must not recheck the hook")
}

// Process's rebind step (spec.md §4.7 stage 3) retargets a merged
// group through ResolveWithRedirect and attaches its buffered
// times_seen increment to the job before the stage list runs.
func TestProcessRebindsRedirectAndPendingTimesSeen(t *testing.T) {
	c, groups := newTestCollaborators(t)
	store := NewMemoryStore()
	c.Store = store

	groups.Redirect(42, 99)
	groups.SetPendingTimesSeen(99, 7)

	raw, err := json.Marshal(storedEvent{
		EventMessage: types.EventMessage{EventID: "evt-1", ProjectID: 7},
	})
	require.NoError(t, err)
	store.Put("cache-key-1", raw)

	var seenGroupID int64
	var seenPending int64
	origStages := stages
	stages = []stage{{"capture_job", func(_ context.Context, _ *Collaborators, job *Job) error {
		seenGroupID = job.GroupState.ID
		seenPending = job.TimesSeenPending
		return nil
	}}}
	defer func() { stages = origStages }()

	p := NewPipeline(c)
	err = p.Process(context.Background(), types.EnqueueKwargs{
		CacheKey:    "cache-key-1",
		GroupStates: []types.GroupState{{ID: 42}},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(99), seenGroupID, "group_id must be rebound through the redirect")
	assert.Equal(t, int64(7), seenPending, "buffered times_seen must be attached to the job")
}
