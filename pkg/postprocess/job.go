package postprocess

import "github.com/cuemby/postprocess-forwarder/pkg/types"

// Job is the per-(event, group_state) unit of work the pipeline's
// stage list runs over; it's the same shape as types.PostProcessJob,
// aliased so the package's stage signatures stay short.
type Job = types.PostProcessJob

// ProjectID is a small convenience accessor since it's threaded through
// almost every stage.
func ProjectID(job *Job) int64 {
	return job.Event.ProjectID
}

// GroupID is groupState.ID, the group this job operates on after any
// redirect/rebind resolution stage 3 of the entry sequence performed.
func GroupID(job *Job) int64 {
	return job.GroupState.ID
}
