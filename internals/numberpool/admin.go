package numberpool

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// PoolCounts summarizes one pool's occupancy
type PoolCounts struct {
	Free  int `json:"free"`
	Taken int `json:"taken"`
	Total int `json:"total"`
}

// ContextInfo is a taken number's context annotated with its age
type ContextInfo struct {
	NumberContext
	Age     int  `json:"age"`
	Expired bool `json:"expired"`
}

// PoolStats is one pool's stats report
type PoolStats struct {
	Counts   PoolCounts              `json:"counts"`
	Contexts map[string]*ContextInfo `json:"contexts,omitempty"`
}

// InitPools hydrates the store from the pool catalog, preserving live
// contexts for numbers that remain in the catalog. A pool-ids filter limits
// the work to those pools. Returns per-pool-name number counts. When the
// global init lock is already held by another replica the call returns
// immediately with no changes.
func (e *Engine) InitPools(ctx context.Context, poolIDs ...int) (map[string]int, error) {
	start := time.Now()

	initLock := e.store.NewLock(initLockName, e.cfg.LockHoldTimeout, e.cfg.InitLockWait)
	if err := initLock.Acquire(ctx); err != nil {
		e.logger.Info("could not get init lock, moving on")
		return nil, nil
	}
	defer initLock.Release(ctx)

	e.logger.Info("initializing number pools")
	pools, err := e.catalog.ActivePools(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pool catalog: %w", err)
	}

	filter := make(map[int]struct{}, len(poolIDs))
	for _, id := range poolIDs {
		filter[id] = struct{}{}
	}

	counts := make(map[string]int)
	var initErrs []string
	for _, pool := range pools {
		if len(filter) > 0 {
			if _, ok := filter[pool.ID]; !ok {
				continue
			}
		}
		n, err := e.initPool(ctx, pool.ID, pool.Properties)
		if err != nil {
			initErrs = append(initErrs, fmt.Sprintf("unable to init pool %d/%s: %v", pool.ID, pool.Name, err))
			continue
		}
		counts[pool.Name] = n
	}

	e.logger.Info("number pools initialized", "counts", counts, "took", time.Since(start))
	if len(initErrs) > 0 {
		return counts, fmt.Errorf("unable to init %d/%d pools: %s", len(initErrs), len(pools), strings.Join(initErrs, "; "))
	}
	return counts, nil
}

func (e *Engine) initPool(ctx context.Context, poolID int, props map[string]interface{}) (int, error) {
	if err := e.SetPoolProperties(ctx, poolID, props); err != nil {
		return 0, err
	}

	lock := e.store.NewLock(poolLockName(poolID), e.cfg.LockHoldTimeout, e.cfg.LockWaitTimeout)
	if err := lock.Acquire(ctx); err != nil {
		return 0, err
	}
	defer lock.Release(ctx)

	numbers, err := e.catalog.PoolNumbers(ctx, poolID)
	if err != nil {
		return 0, err
	}

	exists, err := e.poolExists(ctx, poolID)
	if err != nil {
		return 0, err
	}
	if exists {
		e.logger.Info("resetting pool", "pool_id", poolID, "preserve", true)
		if err := e.resetPoolLocked(ctx, poolID, numbers, true); err != nil {
			return 0, err
		}
	} else if len(numbers) > 0 {
		e.logger.Info("adding numbers for pool", "pool_id", poolID, "count", len(numbers))
		if err := e.addNumbers(ctx, poolID, numbers); err != nil {
			return 0, err
		}
	}
	return len(numbers), nil
}

// ResetPool re-syncs one pool with the catalog under the pool lock.
// preserve keeps live contexts for numbers still in the catalog; otherwise
// every number is removed and re-added, nuking all contexts.
func (e *Engine) ResetPool(ctx context.Context, poolID int, preserve bool) error {
	numbers, err := e.catalog.PoolNumbers(ctx, poolID)
	if err != nil {
		return err
	}

	lock := e.store.NewLock(poolLockName(poolID), e.cfg.LockHoldTimeout, e.cfg.LockWaitTimeout)
	if err := lock.Acquire(ctx); err != nil {
		return fmt.Errorf("%w: could not acquire pool %d lock", ErrPoolUnavailable, poolID)
	}
	defer lock.Release(ctx)

	return e.resetPoolLocked(ctx, poolID, numbers, preserve)
}

// ResetAllPools resets every active pool and drops the in-process
// properties cache.
func (e *Engine) ResetAllPools(ctx context.Context, preserve bool) error {
	pools, err := e.catalog.ActivePools(ctx)
	if err != nil {
		return err
	}
	e.logger.Info("resetting pools", "count", len(pools))
	for _, pool := range pools {
		if err := e.ResetPool(ctx, pool.ID, preserve); err != nil {
			return err
		}
	}
	e.invalidatePropsCache()
	return nil
}

func (e *Engine) resetPoolLocked(ctx context.Context, poolID int, target map[string]struct{}, preserve bool) error {
	current, err := e.PoolNumbers(ctx, poolID)
	if err != nil {
		return err
	}

	var removes, adds map[string]struct{}
	if preserve {
		// Remove only numbers no longer in the catalog, add only new ones
		removes = difference(current, target)
		adds = difference(target, current)
	} else {
		// Remove and re-add all
		removes = target
		adds = target
	}

	if len(removes) > 0 {
		if err := e.removeNumbers(ctx, poolID, removes); err != nil {
			return err
		}
	}
	if len(adds) > 0 {
		if err := e.addNumbers(ctx, poolID, adds); err != nil {
			return err
		}
	}
	e.logger.Info("pool reset", "pool_id", poolID, "total", len(target), "removes", len(removes), "adds", len(adds))
	return nil
}

func (e *Engine) addNumbers(ctx context.Context, poolID int, numbers map[string]struct{}) error {
	members := make([]string, 0, len(numbers))
	for n := range numbers {
		members = append(members, n)
	}
	return e.store.SAdd(ctx, freeKey(poolID), members...)
}

// removeNumbers evicts numbers from the pool entirely: taken entry, context
// record, free entry and the session reverse mapping.
func (e *Engine) removeNumbers(ctx context.Context, poolID int, numbers map[string]struct{}) error {
	e.logger.Info("removing numbers from pool", "pool_id", poolID, "count", len(numbers))
	members := make([]string, 0, len(numbers))
	for n := range numbers {
		members = append(members, n)
	}

	// Collect owning sessions before the contexts are deleted
	var sids []string
	for _, number := range members {
		nc, err := e.GetNumberContext(ctx, number)
		if err != nil {
			return err
		}
		if nc == nil {
			continue
		}
		if sid := e.sessionID(poolID, nc.RequestContext); sid != "" {
			sids = append(sids, sid)
		}
	}

	if err := e.store.ZRem(ctx, takenKey(poolID), members...); err != nil {
		return err
	}
	if err := e.store.Del(ctx, members...); err != nil {
		return err
	}
	if _, err := e.store.SRem(ctx, freeKey(poolID), members...); err != nil {
		return err
	}
	if len(sids) > 0 {
		if err := e.store.HDel(ctx, sidHashKey(poolID), sids...); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) poolExists(ctx context.Context, poolID int) (bool, error) {
	freeExists, err := e.store.Exists(ctx, freeKey(poolID))
	if err != nil {
		return false, err
	}
	if freeExists {
		return true, nil
	}
	takenExists, err := e.store.Exists(ctx, takenKey(poolID))
	if err != nil {
		return false, err
	}
	if takenExists {
		e.logger.Warn("taken pool exists without free pool", "pool_id", poolID)
		return true, nil
	}
	return false, nil
}

// Stats reports free/taken/total counts per active pool and optionally every
// taken context with its age and expiration flag.
func (e *Engine) Stats(ctx context.Context, withContexts bool) (map[string]PoolStats, error) {
	pools, err := e.catalog.ActivePools(ctx)
	if err != nil {
		return nil, err
	}

	stats := make(map[string]PoolStats, len(pools))
	for _, pool := range pools {
		free, err := e.FreeNumbers(ctx, pool.ID)
		if err != nil {
			return nil, err
		}
		taken, err := e.TakenNumbers(ctx, pool.ID)
		if err != nil {
			return nil, err
		}

		poolStats := PoolStats{
			Counts: PoolCounts{
				Free:  len(free),
				Taken: len(taken),
				Total: len(free) + len(taken),
			},
		}
		if withContexts {
			poolStats.Contexts = make(map[string]*ContextInfo, len(taken))
			for _, number := range taken {
				nc, err := e.GetNumberContext(ctx, number)
				if err != nil {
					return nil, err
				}
				if nc == nil {
					continue
				}
				poolStats.Contexts[number] = &ContextInfo{
					NumberContext: *nc,
					Age:           nc.Age(),
					Expired:       nc.ExpiredAfter(e.cfg.CacheExpiration),
				}
			}
		}
		stats[fmt.Sprintf("%d/%s", pool.ID, pool.Name)] = poolStats
	}
	return stats, nil
}

func difference(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for k := range a {
		if _, ok := b[k]; !ok {
			out[k] = struct{}{}
		}
	}
	return out
}
