package postprocess

import (
	"context"

	"github.com/cuemby/postprocess-forwarder/pkg/events"
)

// processSnoozes implements the snooze state machine of spec.md §4.7
// stage 2. It mutates job.HasReappeared and returns any stage error;
// per the entry sequence's short-circuit rule, the caller skips this
// entirely when job.IsReprocessed is true.
func processSnoozes(ctx context.Context, c *Collaborators, job *Job) error {
	if job.IsReprocessed || !job.HasReappeared {
		job.HasReappeared = false
		return nil
	}

	snooze, err := c.Groups.GetSnooze(ctx, GroupID(job))
	if err != nil {
		return err
	}
	if snooze == nil {
		job.HasReappeared = false
		return nil
	}
	if snooze.Valid {
		job.HasReappeared = false
		return nil
	}

	// Snooze present and exceeded: clear it, reopen the group, and
	// record the transition.
	if err := c.Groups.DeleteSnooze(ctx, GroupID(job)); err != nil {
		return err
	}
	if err := c.Groups.SetStatusUnresolved(ctx, GroupID(job)); err != nil {
		return err
	}
	if err := c.Groups.AddToInbox(ctx, GroupID(job), ReasonUnignored, snooze.Thresholds); err != nil {
		return err
	}
	if err := c.Groups.RecordHistory(ctx, GroupID(job), "UNIGNORED"); err != nil {
		return err
	}
	if err := c.Groups.CreateActivity(ctx, GroupID(job), "SET_UNRESOLVED"); err != nil {
		return err
	}
	if c.Signals != nil {
		c.Signals.Emit(&events.Signal{
			Type:      events.SignalIssueUnignored,
			GroupID:   GroupID(job),
			ProjectID: ProjectID(job),
			EventID:   job.Event.EventID,
			Metadata:  map[string]string{"transition_type": "automatic"},
		})
	}
	job.HasReappeared = true
	return nil
}

// processInboxAdds implements stage 3's policy table.
func processInboxAdds(ctx context.Context, c *Collaborators, job *Job) error {
	var reason InboxReason
	switch {
	case job.IsReprocessed && job.GroupState.IsNew:
		reason = ReasonReprocessed
	case !job.IsReprocessed && !job.HasReappeared && job.GroupState.IsNew:
		reason = ReasonNew
	case !job.IsReprocessed && !job.HasReappeared && isRegression(job):
		reason = ReasonRegression
	default:
		// UNIGNORED was already added by stage 2, or nothing qualifies.
		return nil
	}
	return c.Groups.AddToInbox(ctx, GroupID(job), reason, nil)
}

func isRegression(job *Job) bool {
	return job.GroupState.IsRegression != nil && *job.GroupState.IsRegression
}
