// Package cache provides the short-TTL key-value cache collaborator
// used by the post-process pipeline for idempotency keys (owner/assignee
// existence, service hook dispatch guards, commit dispatch guards,
// snooze lookups). Values are opaque bytes; callers encode/decode their
// own payloads.
package cache

import (
	"context"
	"time"
)

// Cache is the abstract collaborator described in the spec: get/set
// with no atomicity guarantees across keys.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Idempotency key builders, centralized so every stage derives the same
// key shape for the same logical guard.
func OwnerExistsKey(groupID int64) string {
	return keyf("owner_exists", groupID)
}

func AssigneeExistsKey(groupID int64) string {
	return keyf("assignee_exists", groupID)
}

func ServiceHooksKey(projectID int64) string {
	return keyf("servicehooks", projectID)
}

func ServiceHooksErrorCreatedKey(projectID int64) string {
	return keyf("servicehooks-error-created", projectID)
}

func OrgHasCommitKey(orgID int64) string {
	return keyf("org-has-commit", orgID)
}

func GroupCommitDispatchedKey(groupID int64) string {
	return keyf("group-commit-dispatched", groupID)
}

func SnoozeKey(groupID int64) string {
	return keyf("snooze", groupID)
}

func keyf(prefix string, id int64) string {
	return prefix + ":" + itoa(id)
}

func itoa(id int64) string {
	// avoid importing strconv twice across tiny helpers elsewhere; kept
	// local and simple since this is the only integer formatting cache does.
	if id == 0 {
		return "0"
	}
	neg := id < 0
	if neg {
		id = -id
	}
	var buf [20]byte
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = byte('0' + id%10)
		id /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// TTLs named in the spec's idempotency-key catalog.
const (
	TTLExistenceTrue        = time.Hour
	TTLExistenceFalse       = 60 * time.Second
	TTLServiceHooks         = 60 * time.Second
	TTLOrgHasCommit         = time.Hour
	TTLGroupCommitDispatched = 7 * 24 * time.Hour
	TTLSnooze               = time.Hour
)
