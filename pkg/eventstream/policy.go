package eventstream

import (
	"hash/fnv"
	"sync"
)

// Policy is the runtime policy surface consulted per-event by the
// producer, described in the spec's external-interfaces section.
// Implementations are expected to be backed by whatever feature-flag /
// killswitch service the surrounding deployment uses; this core only
// depends on the interface.
type Policy interface {
	// UseNewTransactionsTopic reports whether project_id's transaction
	// events should go to the migration-destination topic instead of
	// the stable transactions topic.
	UseNewTransactionsTopic(projectID int64) bool

	// SendToRandomPartitions reports whether project_id's events of the
	// given message type ("error" or "transaction") should skip
	// semantic (project-keyed) partitioning.
	SendToRandomPartitions(projectID int64, messageType string) bool
}

// StaticPolicy is a Policy with fixed answers, useful for tests and for
// deployments that don't wire a dynamic flag service.
type StaticPolicy struct {
	UseNewTopic           bool
	RandomPartitionsAlways bool
}

func (p StaticPolicy) UseNewTransactionsTopic(int64) bool { return p.UseNewTopic }

func (p StaticPolicy) SendToRandomPartitions(int64, string) bool { return p.RandomPartitionsAlways }

// ConfigPolicy is a Policy driven by a small set of static rules: an
// explicit per-project migration override list, a deterministic
// percentage rollout bucketed on project ID, and a fixed set of
// message types that always skip semantic partitioning. It's meant to
// sit in front of whatever dynamic flag store a deployment actually
// runs; wiring that store only means replacing this type, not the
// Policy interface or its caller.
type ConfigPolicy struct {
	mu sync.RWMutex

	// NewTopicProjects is the explicit allow-list of projects already
	// migrated to the new transactions topic.
	NewTopicProjects map[int64]bool
	// NewTopicRolloutPercent buckets every other project deterministically
	// by project ID; a project falls inside the rollout once its bucket
	// is below this percentage (0-100).
	NewTopicRolloutPercent int

	// RandomPartitionMessageTypes names message types ("error",
	// "transaction") that always skip semantic partitioning, independent
	// of project ID.
	RandomPartitionMessageTypes map[string]bool
}

func NewConfigPolicy() *ConfigPolicy {
	return &ConfigPolicy{
		NewTopicProjects:            make(map[int64]bool),
		RandomPartitionMessageTypes: make(map[string]bool),
	}
}

// SetProjectOnNewTopic flips project_id's explicit migration override.
func (p *ConfigPolicy) SetProjectOnNewTopic(projectID int64, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.NewTopicProjects[projectID] = on
}

// SetNewTopicRolloutPercent updates the rollout bucket threshold.
func (p *ConfigPolicy) SetNewTopicRolloutPercent(percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.NewTopicRolloutPercent = percent
}

func (p *ConfigPolicy) UseNewTransactionsTopic(projectID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if on, ok := p.NewTopicProjects[projectID]; ok {
		return on
	}
	if p.NewTopicRolloutPercent <= 0 {
		return false
	}
	if p.NewTopicRolloutPercent >= 100 {
		return true
	}
	return projectBucket(projectID) < uint32(p.NewTopicRolloutPercent)
}

func (p *ConfigPolicy) SendToRandomPartitions(_ int64, messageType string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.RandomPartitionMessageTypes[messageType]
}

// projectBucket deterministically maps a project ID onto [0, 100) so a
// rollout percentage always includes or excludes the same projects
// across restarts, without needing a stored assignment per project.
func projectBucket(projectID int64) uint32 {
	h := fnv.New32a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(projectID >> (8 * i))
	}
	h.Write(buf[:])
	return h.Sum32() % 100
}
