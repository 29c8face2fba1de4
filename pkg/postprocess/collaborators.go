// Package postprocess implements the post-process pipeline of
// spec.md §4.7: a fixed, ordered sequence of per-group_state stages run
// against a decoded PostProcessJob, with each stage's exceptions
// contained so the rest of the pipeline still runs.
//
// The pipeline depends only on the abstract collaborator interfaces in
// this file, never on a concrete datastore — exactly the pattern
// pkg/cache.Cache and pkg/lock.Manager already establish for the
// narrower cache/lock contracts.
package postprocess

import (
	"context"

	"github.com/cuemby/postprocess-forwarder/pkg/cache"
	"github.com/cuemby/postprocess-forwarder/pkg/events"
	"github.com/cuemby/postprocess-forwarder/pkg/lock"
)

// InboxReason names why a group was added to the inbox by stage 3 (or
// by the snooze stage, for UNIGNORED).
type InboxReason string

const (
	ReasonReprocessed InboxReason = "REPROCESSED"
	ReasonNew         InboxReason = "NEW"
	ReasonRegression  InboxReason = "REGRESSION"
	ReasonUnignored   InboxReason = "UNIGNORED"
)

// Snooze is the cached snooze record for a group. Valid is precomputed
// by whatever fetches it (count/window thresholds are a property-store
// concern out of this core's scope); the pipeline only branches on
// presence and validity.
type Snooze struct {
	Valid      bool
	Thresholds map[string]interface{}
}

// OwnerRow is one GroupOwner row: a team or user attributed to a
// project's ownership rules or CODEOWNERS.
type OwnerRow struct {
	Kind   string // "team" or "user"
	ID     int64
	Source string // "OWNERSHIP_RULE" or "CODEOWNERS"
}

// Project is the minimal project shape the pipeline needs.
type Project struct {
	ID    int64
	OrgID int64
}

// Organization is the minimal organization shape the pipeline needs.
type Organization struct {
	ID int64
}

// GroupRepository resolves and mutates group-level state: snoozes,
// status, inbox membership, history, activity, and the
// get_group_with_redirect indirection for merged groups.
type GroupRepository interface {
	GetSnooze(ctx context.Context, groupID int64) (*Snooze, error) // nil, nil if no snooze cached
	DeleteSnooze(ctx context.Context, groupID int64) error
	SetStatusUnresolved(ctx context.Context, groupID int64) error
	RecordHistory(ctx context.Context, groupID int64, status string) error
	CreateActivity(ctx context.Context, groupID int64, kind string) error
	AddToInbox(ctx context.Context, groupID int64, reason InboxReason, extra map[string]interface{}) error
	// ResolveWithRedirect returns the group_id to operate on, retargeting
	// through a merge redirect if groupID was merged into another group.
	ResolveWithRedirect(ctx context.Context, groupID int64) (int64, error)
	// PendingTimesSeen returns buffered times_seen increments not yet
	// flushed to the group row, attached to the job as TimesSeenPending.
	PendingTimesSeen(ctx context.Context, groupID int64) (int64, error)
}

// ProjectResolver re-resolves a project from cache.
type ProjectResolver interface {
	ResolveProject(ctx context.Context, projectID int64) (*Project, error)
}

// OrganizationResolver re-resolves an organization from cache.
type OrganizationResolver interface {
	ResolveOrganization(ctx context.Context, orgID int64) (*Organization, error)
}

// FeatureFlags gates the performance-issues post-process path and the
// commit-context-vs-suspect-commits choice.
type FeatureFlags interface {
	Enabled(ctx context.Context, flag string, orgID int64) bool
}

const (
	FeaturePerformanceIssuesPostProcess = "performance-issues-post-process-group"
	FeatureCommitContext                = "commit-context"
	FeatureIntegrationsEventHooks       = "integrations-event-hooks"
)

// OwnerResolver backs stage 4, handle_owner_assignment.
type OwnerResolver interface {
	HasOwners(ctx context.Context, groupID int64) (bool, error)
	HasAssignee(ctx context.Context, groupID int64) (bool, error)
	// ComputeAutoAssign returns the candidate owners for groupID and
	// whether auto-assignment is enabled for the owning project.
	ComputeAutoAssign(ctx context.Context, projectID, groupID int64) (owners []OwnerRow, autoAssignEnabled bool, err error)
	AssignFirst(ctx context.Context, groupID int64, owner OwnerRow) error
	// ExistingGroupOwners returns current OWNERSHIP_RULE/CODEOWNERS rows.
	ExistingGroupOwners(ctx context.Context, groupID int64) ([]OwnerRow, error)
	// ReplaceGroupOwners deletes toDelete and inserts toInsert.
	ReplaceGroupOwners(ctx context.Context, groupID int64, toDelete, toInsert []OwnerRow) error
}

// RuleProcessor runs the alert rule engine for one job.
type RuleProcessor interface {
	Process(ctx context.Context, job *Job) (hasAlert bool, err error)
}

// CommitProcessor backs stage 6, process_commits.
type CommitProcessor interface {
	HasAnyCommit(ctx context.Context, orgID int64) (bool, error)
	ProcessCommitContext(ctx context.Context, job *Job) error
	ProcessSuspectCommits(ctx context.Context, job *Job) error
}

// ServiceHookDispatcher backs stage 7 and the "error.created" gate of
// stage 8.
type ServiceHookDispatcher interface {
	Dispatch(ctx context.Context, projectID int64, allowedEvents []string, job *Job) error
	// HasErrorCreatedHook reports whether orgID has any service hook
	// subscribed to "error.created", gating stage 8's Error dispatch.
	HasErrorCreatedHook(ctx context.Context, orgID int64) (bool, error)
}

// ResourceChangeDispatcher backs stage 8.
type ResourceChangeDispatcher interface {
	DispatchCreated(ctx context.Context, kind string, id int64) error
}

// PluginDispatcher backs stage 9.
type PluginDispatcher interface {
	DispatchPostProcess(ctx context.Context, projectID int64, job *Job) error
}

// SimilarityIndex backs stage 10.
type SimilarityIndex interface {
	Record(ctx context.Context, job *Job) error
}

// AttachmentBinder backs stage 11.
type AttachmentBinder interface {
	BindExisting(ctx context.Context, projectID int64, eventID string, groupID int64) error
}

// Collaborators bundles every injected dependency the pipeline calls
// out to, plus the Cache/Lock/Store collaborators shared with the rest
// of the core.
type Collaborators struct {
	Cache           cache.Cache
	Locks           lock.Manager
	Store           Store
	Groups          GroupRepository
	Projects        ProjectResolver
	Organizations   OrganizationResolver
	Features        FeatureFlags
	Owners          OwnerResolver
	Rules           RuleProcessor
	Commits         CommitProcessor
	ServiceHooks    ServiceHookDispatcher
	ResourceChanges ResourceChangeDispatcher
	Plugins         PluginDispatcher
	Similarity      SimilarityIndex
	Attachments     AttachmentBinder
	Signals         *events.Broker
}
