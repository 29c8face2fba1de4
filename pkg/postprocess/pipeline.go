package postprocess

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/postprocess-forwarder/pkg/cache"
	"github.com/cuemby/postprocess-forwarder/pkg/events"
	"github.com/cuemby/postprocess-forwarder/pkg/lock"
	"github.com/cuemby/postprocess-forwarder/pkg/log"
	"github.com/cuemby/postprocess-forwarder/pkg/metrics"
	"github.com/cuemby/postprocess-forwarder/pkg/types"
	"github.com/rs/zerolog"
)

// Pipeline executes the post-process entry sequence and the
// error-category stage list of spec.md §4.7 against a Collaborators
// bundle. It holds no state of its own between Process calls.
type Pipeline struct {
	c      *Collaborators
	logger zerolog.Logger
}

func NewPipeline(c *Collaborators) *Pipeline {
	return &Pipeline{c: c, logger: log.WithComponent("postprocess")}
}

// stage is one named, exception-contained step in the fixed stage list.
type stage struct {
	name string
	run  func(ctx context.Context, c *Collaborators, job *Job) error
}

// stages is the fixed, mandatory order from spec.md §4.7. When
// job.IsReprocessed is true, process_snoozes and stages 4-10 are skipped
// (not just no-op'd); capture_group_stats, process_inbox_adds (which
// then only adds a REPROCESSED entry), update_existing_attachments and
// fire_error_processed still run.
var stages = []stage{
	{"capture_group_stats", captureGroupStats},
	{"process_snoozes", processSnoozes},
	{"process_inbox_adds", processInboxAdds},
	{"handle_owner_assignment", handleOwnerAssignment},
	{"process_rules", processRules},
	{"process_commits", processCommits},
	{"process_service_hooks", processServiceHooks},
	{"process_resource_change_bounds", processResourceChangeBounds},
	{"process_plugins", processPlugins},
	{"process_similarity", processSimilarity},
	{"update_existing_attachments", updateExistingAttachments},
	{"fire_error_processed", fireErrorProcessed},
}

// reprocessedShortCircuit is the stage-name set that does not run when
// job.IsReprocessed; the three stages not listed here always run.
var reprocessedShortCircuit = map[string]bool{
	"process_snoozes":                true,
	"process_inbox_adds":             false, // handled specially: REPROCESSED reason still needs to fire
	"handle_owner_assignment":        true,
	"process_rules":                  true,
	"process_commits":                true,
	"process_service_hooks":          true,
	"process_resource_change_bounds": true,
	"process_plugins":                true,
	"process_similarity":             true,
}

// Process runs the full entry sequence for one enqueued task: load,
// single-consume, rebind, classify, and run the per-group_state stage
// list. Per spec.md §7, a missing cache entry is not an error — it
// makes the task a successful no-op for replays.
func (p *Pipeline) Process(ctx context.Context, kwargs types.EnqueueKwargs) error {
	raw, err := p.c.Store.LoadAndDelete(ctx, kwargs.CacheKey)
	if err != nil {
		if err == ErrMissingCache {
			p.logger.Info().Str("cache_key", kwargs.CacheKey).Str("reason", "missing_cache").Msg("post_process.skipped")
			return nil
		}
		return err
	}

	var stored storedEvent
	if err := json.Unmarshal(raw, &stored); err != nil {
		return err
	}
	event := stored.EventMessage

	if _, err := p.c.Projects.ResolveProject(ctx, event.ProjectID); err != nil {
		return err
	}

	groupStates := kwargs.GroupStates
	isTransaction := event.TransactionForwarder
	if isTransaction {
		if p.c.Signals != nil {
			p.c.Signals.Emit(&events.Signal{Type: events.SignalTransactionProcessed, ProjectID: event.ProjectID, EventID: event.EventID})
		}
		project, err := p.c.Projects.ResolveProject(ctx, event.ProjectID)
		if err != nil {
			return err
		}
		if !p.c.Features.Enabled(ctx, FeaturePerformanceIssuesPostProcess, project.OrgID) {
			return nil
		}
		if len(groupStates) > 0 {
			// Performance pipeline is out of scope for this core.
			return nil
		}
	}

	if len(groupStates) == 0 {
		groupStates = []types.GroupState{{
			ID:                    derefInt64(kwargs.GroupID),
			IsNew:                 kwargs.IsNew,
			IsRegression:          kwargs.IsRegression,
			IsNewGroupEnvironment: kwargs.IsNewGroupEnvironment,
		}}
	}

	for _, gs := range groupStates {
		groupID, err := p.c.Groups.ResolveWithRedirect(ctx, gs.ID)
		if err != nil {
			return err
		}
		gs.ID = groupID

		pending, err := p.c.Groups.PendingTimesSeen(ctx, groupID)
		if err != nil {
			return err
		}

		// A brand-new group_state can't have reappeared yet; the snooze
		// stage can only reopen a group that was already around to be
		// snoozed in the first place.
		job := &Job{
			Event:            &event,
			GroupState:       gs,
			HasReappeared:    !gs.IsNew,
			IsReprocessed:    stored.Reprocessed,
			TimesSeenPending: pending,
		}
		p.runStages(ctx, job)
	}
	return nil
}

// storedEvent is the shape held in the event processing store: the
// wire event plus the reprocessing marker computed upstream by the
// ingest pipeline that writes into the store. This core never writes
// the store itself, only reads and deletes from it.
type storedEvent struct {
	types.EventMessage
	Reprocessed bool `json:"reprocessed"`
}

// runStages executes the fixed stage list, containing any single
// stage's error so every remaining stage still runs (P7).
func (p *Pipeline) runStages(ctx context.Context, job *Job) {
	for _, s := range stages {
		if job.IsReprocessed && reprocessedShortCircuit[s.name] {
			continue
		}
		if s.name == "process_inbox_adds" && job.IsReprocessed {
			if err := processInboxAdds(ctx, p.c, job); err != nil {
				p.logFailure(s.name, job, err)
			}
			continue
		}

		timer := metrics.NewTimer()
		err := p.runStageContained(ctx, s, job)
		timer.ObserveDuration(metrics.PipelineStageDuration.WithLabelValues(s.name))
		if err != nil {
			metrics.PipelineStageFailures.WithLabelValues(s.name).Inc()
			p.logFailure(s.name, job, err)
		}
	}
}

// runStageContained recovers a panicking stage in addition to handling
// a returned error, so one badly-behaved collaborator can never stop
// the remaining stages from running.
func (p *Pipeline) runStageContained(ctx context.Context, s stage, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("stage", s.name).Msg("stage panicked")
			err = fmt.Errorf("stage %s panicked: %v", s.name, r)
		}
	}()
	return s.run(ctx, p.c, job)
}

func (p *Pipeline) logFailure(stageName string, job *Job, err error) {
	p.logger.Error().Err(err).Str("stage", stageName).Str("event_id", job.Event.EventID).Int64("group_id", GroupID(job)).Msg("stage failed")
}

func captureGroupStats(ctx context.Context, c *Collaborators, job *Job) error {
	if job.GroupState.IsNew {
		metrics.MessagesForwarded.WithLabelValues("group_stats", "unique_event").Inc()
	}
	return nil
}

func processRules(ctx context.Context, c *Collaborators, job *Job) error {
	hasAlert, err := c.Rules.Process(ctx, job)
	if err != nil {
		return err
	}
	job.HasAlert = hasAlert
	return nil
}

func processCommits(ctx context.Context, c *Collaborators, job *Job) error {
	return lock.WithLock(ctx, c.Locks, lock.PostProcessCommitLock(GroupID(job)), lock.PostProcessCommitTTL, func() error {
		project, err := c.Projects.ResolveProject(ctx, ProjectID(job))
		if err != nil {
			return err
		}

		orgHasCommit, err := cachedBool(ctx, c.Cache, cache.OrgHasCommitKey(project.OrgID), func() (bool, error) {
			return c.Commits.HasAnyCommit(ctx, project.OrgID)
		})
		if err != nil || !orgHasCommit {
			return err
		}

		dispatchedKey := cache.GroupCommitDispatchedKey(GroupID(job))
		if _, alreadyDispatched, err := c.Cache.Get(ctx, dispatchedKey); err != nil || alreadyDispatched {
			return err
		}
		if err := c.Cache.Set(ctx, dispatchedKey, []byte{'1'}, cache.TTLGroupCommitDispatched); err != nil {
			return err
		}

		if c.Features.Enabled(ctx, FeatureCommitContext, project.OrgID) {
			return c.Commits.ProcessCommitContext(ctx, job)
		}
		return c.Commits.ProcessSuspectCommits(ctx, job)
	})
}

func processServiceHooks(ctx context.Context, c *Collaborators, job *Job) error {
	allowed := []string{"event.created"}
	if job.HasAlert {
		allowed = append(allowed, "event.alert")
	}
	return c.ServiceHooks.Dispatch(ctx, ProjectID(job), allowed, job)
}

func processResourceChangeBounds(ctx context.Context, c *Collaborators, job *Job) error {
	if !job.Event.TransactionForwarder {
		send, err := shouldSendErrorCreatedHooks(ctx, c, job)
		if err != nil {
			return err
		}
		if send {
			if err := c.ResourceChanges.DispatchCreated(ctx, "Error", GroupID(job)); err != nil {
				return err
			}
		}
	}
	if job.GroupState.IsNew {
		return c.ResourceChanges.DispatchCreated(ctx, "Group", GroupID(job))
	}
	return nil
}

// shouldSendErrorCreatedHooks gates stage 8's Error dispatch behind the
// org's integrations-event-hooks flag and whether it has any hook
// subscribed to error.created, both cached under a flat 60s TTL
// regardless of outcome (unlike the existence-check cache split stage
// 4 uses, per spec.md §3's idempotency-key catalog).
func shouldSendErrorCreatedHooks(ctx context.Context, c *Collaborators, job *Job) (bool, error) {
	project, err := c.Projects.ResolveProject(ctx, ProjectID(job))
	if err != nil {
		return false, err
	}
	key := cache.ServiceHooksErrorCreatedKey(ProjectID(job))

	if value, ok, err := c.Cache.Get(ctx, key); err != nil {
		return false, err
	} else if ok {
		return len(value) == 1 && value[0] == '1', nil
	}

	if !c.Features.Enabled(ctx, FeatureIntegrationsEventHooks, project.OrgID) {
		return false, c.Cache.Set(ctx, key, []byte{'0'}, cache.TTLServiceHooks)
	}

	hasHook, err := c.ServiceHooks.HasErrorCreatedHook(ctx, project.OrgID)
	if err != nil {
		return false, err
	}
	payload := byte('0')
	if hasHook {
		payload = '1'
	}
	if err := c.Cache.Set(ctx, key, []byte{payload}, cache.TTLServiceHooks); err != nil {
		return false, err
	}
	return hasHook, nil
}

func processPlugins(ctx context.Context, c *Collaborators, job *Job) error {
	return c.Plugins.DispatchPostProcess(ctx, ProjectID(job), job)
}

func processSimilarity(ctx context.Context, c *Collaborators, job *Job) error {
	return c.Similarity.Record(ctx, job)
}

func updateExistingAttachments(ctx context.Context, c *Collaborators, job *Job) error {
	return c.Attachments.BindExisting(ctx, ProjectID(job), job.Event.EventID, GroupID(job))
}

func fireErrorProcessed(ctx context.Context, c *Collaborators, job *Job) error {
	if c.Signals != nil {
		c.Signals.Emit(&events.Signal{
			Type:      events.SignalEventProcessed,
			GroupID:   GroupID(job),
			ProjectID: ProjectID(job),
			EventID:   job.Event.EventID,
		})
	}
	return nil
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
