package postprocess

import (
	"context"

	"github.com/cuemby/postprocess-forwarder/pkg/cache"
	"github.com/cuemby/postprocess-forwarder/pkg/lock"
)

// handleOwnerAssignment implements stage 4 of spec.md §4.7: cached
// existence checks gate the expensive owner computation, auto-assign
// picks the first computed owner, and reconciliation of GroupOwner rows
// happens under the groupowner-bulk lock, non-blocking.
func handleOwnerAssignment(ctx context.Context, c *Collaborators, job *Job) error {
	groupID := GroupID(job)

	ownersExist, err := cachedBool(ctx, c.Cache, cache.OwnerExistsKey(groupID), func() (bool, error) {
		return c.Owners.HasOwners(ctx, groupID)
	})
	if err != nil {
		return err
	}
	assigneeExists, err := cachedBool(ctx, c.Cache, cache.AssigneeExistsKey(groupID), func() (bool, error) {
		return c.Owners.HasAssignee(ctx, groupID)
	})
	if err != nil {
		return err
	}
	if ownersExist || assigneeExists {
		return nil
	}

	owners, autoAssign, err := c.Owners.ComputeAutoAssign(ctx, ProjectID(job), groupID)
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		return nil
	}

	if autoAssign {
		if err := c.Owners.AssignFirst(ctx, groupID, owners[0]); err != nil {
			return err
		}
	}

	return lock.WithLock(ctx, c.Locks, lock.GroupOwnerBulkLock(groupID), lock.GroupOwnerBulkTTL, func() error {
		return reconcileGroupOwners(ctx, c.Owners, groupID, owners)
	})
}

// reconcileGroupOwners implements the diff described in spec.md §4.7:
// delete rows not in the target set, insert the rows missing from it.
// Running it twice with the same target is a no-op on the second run
// (P8): the existing-minus-target and target-minus-existing sets are
// both empty once the first run has converged.
func reconcileGroupOwners(ctx context.Context, owners OwnerResolver, groupID int64, target []OwnerRow) error {
	existing, err := owners.ExistingGroupOwners(ctx, groupID)
	if err != nil {
		return err
	}

	targetSet := make(map[OwnerRow]bool, len(target))
	for _, o := range target {
		targetSet[o] = true
	}
	existingSet := make(map[OwnerRow]bool, len(existing))
	for _, o := range existing {
		existingSet[o] = true
	}

	var toDelete, toInsert []OwnerRow
	for _, o := range existing {
		if !targetSet[o] {
			toDelete = append(toDelete, o)
		}
	}
	for _, o := range target {
		if !existingSet[o] {
			toInsert = append(toInsert, o)
		}
	}
	if len(toDelete) == 0 && len(toInsert) == 0 {
		return nil
	}
	return owners.ReplaceGroupOwners(ctx, groupID, toDelete, toInsert)
}

// cachedBool is the "cached existence check" idiom stage 4 uses twice:
// check the cache, and on miss call compute and cache the result with
// the existence-true/false TTL split from spec.md §3.
func cachedBool(ctx context.Context, c cache.Cache, key string, compute func() (bool, error)) (bool, error) {
	if value, ok, err := c.Get(ctx, key); err != nil {
		return false, err
	} else if ok {
		return len(value) == 1 && value[0] == '1', nil
	}

	result, err := compute()
	if err != nil {
		return false, err
	}
	ttl := cache.TTLExistenceFalse
	payload := []byte{'0'}
	if result {
		ttl = cache.TTLExistenceTrue
		payload = []byte{'1'}
	}
	if err := c.Set(ctx, key, payload, ttl); err != nil {
		return false, err
	}
	return result, nil
}
