// Package numberpool implements the dynamic tracking-number pool engine:
// leasing, renewal, expiration takeover, area-code targeted selection, the
// session to number map, route caching for call attribution, static number
// contexts, and pool initialization from the catalog.
//
// Numbers are managed across three KV structures per pool: a set of free
// numbers, a sorted set of taken numbers scored by renewal time (so the
// least recently renewed number can be reclaimed once expired), and top
// level keys mapping each taken number to its JSON context.
package numberpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zarlabs/zar/internals/catalog"
	"github.com/zarlabs/zar/internals/geo"
	"github.com/zarlabs/zar/internals/kvstore"
)

const initLockName = "Pool Init"

// scan batch size for area-code free set matching
const areaCodeScanBatch = 10

// max expired takeover attempts per area code walk
const maxTakeoverAttempts = 3

// Config holds the engine's timing knobs
type Config struct {
	// CacheExpiration is the inactivity window after which a taken number
	// becomes eligible for takeover
	CacheExpiration time.Duration
	// MaxRenewalAge caps continuous renewal of one lease
	MaxRenewalAge time.Duration
	// RouteCacheTTL is the retention of caller->callee route contexts
	RouteCacheTTL   time.Duration
	LockWaitTimeout time.Duration
	LockHoldTimeout time.Duration
	InitLockWait    time.Duration
}

func (c Config) withDefaults() Config {
	if c.CacheExpiration == 0 {
		c.CacheExpiration = 6 * time.Minute
	}
	if c.MaxRenewalAge == 0 {
		c.MaxRenewalAge = 7 * 24 * time.Hour
	}
	if c.RouteCacheTTL == 0 {
		c.RouteCacheTTL = 30 * 24 * time.Hour
	}
	if c.LockWaitTimeout == 0 {
		c.LockWaitTimeout = 5 * time.Second
	}
	if c.LockHoldTimeout == 0 {
		c.LockHoldTimeout = 5 * time.Second
	}
	if c.InitLockWait == 0 {
		c.InitLockWait = 2 * time.Second
	}
	return c
}

// Engine owns all per-pool KV structures. It is stateless in process apart
// from a write-through pool-properties cache; all shared state lives in the
// store, so any number of replicas can run concurrently.
type Engine struct {
	store    *kvstore.Store
	catalog  catalog.Reader
	selector *geo.Selector
	logger   *slog.Logger
	cfg      Config

	propsMu    sync.RWMutex
	propsCache map[int]map[string]interface{}
}

// New builds an engine. The selector may be nil when no area-code pools are
// configured.
func New(store *kvstore.Store, cat catalog.Reader, selector *geo.Selector, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      store,
		catalog:    cat,
		selector:   selector,
		logger:     logger,
		cfg:        cfg.withDefaults(),
		propsCache: make(map[int]map[string]interface{}),
	}
}

// RefreshConn replaces the underlying store connection
func (e *Engine) RefreshConn(ctx context.Context) error {
	return e.store.Refresh(ctx)
}

// LeaseRequest describes one lease attempt
type LeaseRequest struct {
	PoolID         int
	RequestContext RequestContext
	// TargetNumber asks for a specific number (renewal or takeover)
	TargetNumber string
	// TargetAreaCodes overrides URL-derived area code targeting
	TargetAreaCodes []string
	// Renew allows renewing the target when it is already taken
	Renew bool
}

// LeaseResult is a successful lease
type LeaseResult struct {
	PoolID  int
	Number  string
	Renewed bool
}

// Key layout (external interface, keep in sync with ops tooling)

func freeKey(poolID int) string {
	return fmt.Sprintf("Pool: %d / Free", poolID)
}

func takenKey(poolID int) string {
	return fmt.Sprintf("Pool: %d / Taken", poolID)
}

func sidHashKey(poolID int) string {
	return fmt.Sprintf("Pool: %d / SID Number Hash", poolID)
}

func poolLockName(poolID int) string {
	return fmt.Sprintf("Pool: %d / Lock", poolID)
}

func poolPropsKey(poolID int) string {
	return fmt.Sprintf("pool_properties:%d", poolID)
}

// sessionKey returns the request-context field identifying the session for
// this pool. Constant today; per-pool overrides would hang off pool
// properties.
func (e *Engine) sessionKey(poolID int) string {
	return SessionKey
}

func (e *Engine) sessionID(poolID int, rc RequestContext) string {
	if rc == nil {
		return ""
	}
	sid, _ := rc[e.sessionKey(poolID)].(string)
	return sid
}

// SessionIDFor exposes the pool's session id extraction for the attribution
// resolver, which compares pool and route contexts by session.
func (e *Engine) SessionIDFor(poolID int, rc RequestContext) string {
	return e.sessionID(poolID, rc)
}

// GetNumberContext returns the context attached to a number, nil when the
// number is free.
func (e *Engine) GetNumberContext(ctx context.Context, number string) (*NumberContext, error) {
	raw, ok, err := e.store.Get(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("get number context %s: %w", number, err)
	}
	if !ok {
		return nil, nil
	}
	return decodeNumberContext(raw)
}

// SetNumberContext overwrites a number's context record
func (e *Engine) SetNumberContext(ctx context.Context, number string, nc *NumberContext) error {
	encoded, err := nc.encode()
	if err != nil {
		return fmt.Errorf("encode number context %s: %w", number, err)
	}
	return e.store.Set(ctx, number, encoded, 0)
}

// NumberStatus returns the number's state and its context (nil when free)
func (e *Engine) NumberStatus(ctx context.Context, number string) (string, *NumberContext, error) {
	nc, err := e.GetNumberContext(ctx, number)
	if err != nil {
		return "", nil, err
	}
	if nc == nil {
		return StatusFree, nil, nil
	}
	if nc.ExpiredAfter(e.cfg.CacheExpiration) {
		return StatusExpired, nc, nil
	}
	return StatusTaken, nc, nil
}

// Lease allocates or renews a number for the request, serialized per pool by
// the pool lock. See the package comment for the state machine.
func (e *Engine) Lease(ctx context.Context, req LeaseRequest) (*LeaseResult, error) {
	start := time.Now()
	requestSID := e.sessionID(req.PoolID, req.RequestContext)
	e.logger.Debug("lease requested", "sid", requestSID, "pool_id", req.PoolID, "target", req.TargetNumber)

	lock := e.store.NewLock(poolLockName(req.PoolID), e.cfg.LockHoldTimeout, e.cfg.LockWaitTimeout)
	if err := lock.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("%w: could not acquire pool %d lock", ErrPoolUnavailable, req.PoolID)
	}
	defer lock.Release(ctx)

	var (
		number            string
		renewed           bool
		fromSID           bool
		keyMismatch       bool
		sidNumberMismatch bool
		target            = req.TargetNumber
		renew             = req.Renew
	)

	// Session pin: if this session already holds a number, renew that one.
	// Roughly enforces a single number per session.
	sidNumber, err := e.sessionNumber(ctx, req.PoolID, requestSID)
	if err != nil {
		return nil, err
	}
	if sidNumber != "" {
		if target != "" && sidNumber != target {
			e.logger.Warn("session / target number mismatch", "sid", requestSID, "session_number", sidNumber, "target", target)
			sidNumberMismatch = true
		}
		fromSID = true
		renew = true
		target = sidNumber
	}

	if target != "" {
		status, curCtx, err := e.NumberStatus(ctx, target)
		if err != nil {
			return nil, err
		}
		e.logger.Debug("target number status", "sid", requestSID, "number", target, "status", status)

		switch {
		case status == StatusFree:
			if err := e.leaseFreeNumber(ctx, req.PoolID, target, req.RequestContext); err != nil {
				return nil, err
			}
			number = target
		case status == StatusExpired:
			if err := e.leaseExpiredNumber(ctx, req.PoolID, target, req.RequestContext); err != nil {
				return nil, err
			}
			number = target
		case status == StatusTaken && renew:
			incoming := shallowMerge(curCtx.RequestContext, req.RequestContext)
			err := e.renewNumber(ctx, req.PoolID, target, incoming, fromSID)
			switch {
			case err == nil:
				number = target
				renewed = true
			case errors.Is(err, ErrSessionKeyMismatch):
				// The session's old number has been leased to someone else.
				// Let it fall through to a fresh random lease.
				keyMismatch = true
			default:
				return nil, err
			}
		}
	}

	if number == "" && (!fromSID || (keyMismatch && !sidNumberMismatch)) {
		number, err = e.leaseFreshNumber(ctx, req)
		if err != nil {
			return nil, err
		}
		renewed = false
	}

	e.logger.Debug("lease finished", "sid", requestSID, "number", number, "took", time.Since(start))
	if number == "" {
		if fromSID {
			e.logger.Warn("session number unavailable", "sid", requestSID, "pool_id", req.PoolID)
			return nil, ErrSessionNumberUnavailable
		}
		e.logger.Error("no numbers available", "sid", requestSID, "pool_id", req.PoolID)
		return nil, ErrPoolEmpty
	}
	return &LeaseResult{PoolID: req.PoolID, Number: number, Renewed: renewed}, nil
}

// leaseFreshNumber picks a new number for a request with no usable target,
// by area code preference for area-code pools and randomly otherwise.
// Returns "" when the pool is exhausted.
func (e *Engine) leaseFreshNumber(ctx context.Context, req LeaseRequest) (string, error) {
	props, err := e.PoolProperties(ctx, req.PoolID)
	if err != nil {
		return "", err
	}
	pool := catalog.Pool{ID: req.PoolID, Properties: props}
	if pool.IsAreaCodePool() {
		return e.leaseAreaCodeNumber(ctx, pool, req)
	}
	return e.leaseRandomNumber(ctx, req.PoolID, req.RequestContext)
}

// leaseRandomNumber pops a free number, falling back to taking over the
// least recently renewed number when it has expired.
func (e *Engine) leaseRandomNumber(ctx context.Context, poolID int, rc RequestContext) (string, error) {
	number, ok, err := e.store.SPop(ctx, freeKey(poolID))
	if err != nil {
		return "", err
	}
	if !ok {
		e.logger.Debug("no free numbers found, checking expired", "pool_id", poolID)
		tail, err := e.store.ZRangeByScoreN(ctx, takenKey(poolID), 0, 1)
		if err != nil {
			return "", err
		}
		if len(tail) == 0 {
			return "", nil
		}
		candidate := tail[0].Member
		status, _, err := e.NumberStatus(ctx, candidate)
		if err != nil {
			return "", err
		}
		if status != StatusExpired {
			return "", nil
		}
		if err := e.leaseExpiredNumber(ctx, poolID, candidate, rc); err != nil {
			return "", err
		}
		return candidate, nil
	}

	e.logger.Info("leasing random number", "pool_id", poolID, "number", number)
	if _, err := e.takeNumber(ctx, poolID, number, rc, false); err != nil {
		return "", err
	}
	return number, nil
}

// leaseFreeNumber claims a specific number out of the free set
func (e *Engine) leaseFreeNumber(ctx context.Context, poolID int, number string, rc RequestContext) error {
	e.logger.Info("leasing free number", "pool_id", poolID, "number", number)
	removed, err := e.store.SRem(ctx, freeKey(poolID), number)
	if err != nil {
		return err
	}
	if removed == 0 {
		return fmt.Errorf("%w: %d/%s", ErrNumberNotFound, poolID, number)
	}
	_, err = e.takeNumber(ctx, poolID, number, rc, false)
	return err
}

// leaseExpiredNumber takes over an already-taken-but-expired number
func (e *Engine) leaseExpiredNumber(ctx context.Context, poolID int, number string, rc RequestContext) error {
	e.logger.Info("leasing expired number", "pool_id", poolID, "number", number)
	_, err := e.takeNumber(ctx, poolID, number, rc, true)
	return err
}

// takeNumber writes the taken entry, context record and session mapping for
// a fresh lease. update means the number already has a taken entry whose
// score is replaced (expired takeover).
func (e *Engine) takeNumber(ctx context.Context, poolID int, number string, rc RequestContext, update bool) (*NumberContext, error) {
	nc := newNumberContext(poolID, rc)
	var (
		res int64
		err error
	)
	if update {
		res, err = e.store.ZAddXX(ctx, takenKey(poolID), number, nc.RenewedAt)
	} else {
		res, err = e.store.ZAdd(ctx, takenKey(poolID), number, nc.RenewedAt)
	}
	if err != nil {
		return nil, err
	}
	if res == 0 {
		return nil, fmt.Errorf("failed to take number %d/%s", poolID, number)
	}
	if err := e.SetNumberContext(ctx, number, nc); err != nil {
		return nil, err
	}
	if sid := e.sessionID(poolID, rc); sid != "" {
		if err := e.store.HSet(ctx, sidHashKey(poolID), sid, number); err != nil {
			return nil, err
		}
	}
	return nc, nil
}

// renewNumber extends a taken number's lease for the same session. incoming
// is the request context to merge over the current one; fromSID suppresses
// rewriting the session mapping when the renewal was itself driven by it.
func (e *Engine) renewNumber(ctx context.Context, poolID int, number string, incoming RequestContext, fromSID bool) error {
	e.logger.Debug("renewing number", "pool_id", poolID, "number", number)

	curr, err := e.GetNumberContext(ctx, number)
	if err != nil {
		return err
	}
	if curr == nil {
		return fmt.Errorf("trying to renew inactive number %d/%s", poolID, number)
	}
	if incoming == nil {
		e.logger.Warn("no context provided, using number context", "number", number)
		incoming = curr.RequestContext
	}

	sid := e.sessionID(poolID, incoming)
	currSID := e.sessionID(poolID, curr.RequestContext)
	if sid != currSID {
		e.logger.Warn("session key mismatch, can not renew", "pool_id", poolID, "number", number, "sid", sid, "current_sid", currSID)
		return fmt.Errorf("%w: %d/%s", ErrSessionKeyMismatch, poolID, number)
	}

	merged := &NumberContext{
		PoolID:         poolID,
		RequestContext: curr.RequestContext.Merge(incoming),
		LeasedAt:       curr.LeasedAt,
		RenewedAt:      nowEpoch(),
	}
	if merged.RenewedAt-merged.LeasedAt > e.cfg.MaxRenewalAge.Seconds() {
		e.logger.Warn("not renewing number due to max renewal time", "pool_id", poolID, "number", number)
		return fmt.Errorf("%w: %d/%s", ErrMaxRenewalExceeded, poolID, number)
	}

	res, err := e.store.ZAddXX(ctx, takenKey(poolID), number, merged.RenewedAt)
	if err != nil {
		return err
	}
	if res == 0 {
		return fmt.Errorf("failed to renew number %d/%s", poolID, number)
	}
	if err := e.SetNumberContext(ctx, number, merged); err != nil {
		return err
	}
	if sid != "" && !fromSID {
		// Ensure this SID is associated with this number
		if err := e.store.HSet(ctx, sidHashKey(poolID), sid, number); err != nil {
			return err
		}
	}
	return nil
}

// UpdateNumber merges (or overwrites) the request context of a taken number
// without touching its renewal time. The session ids must match; otherwise
// the current context is returned unchanged.
func (e *Engine) UpdateNumber(ctx context.Context, poolID int, number string, rc RequestContext, merge bool) (*NumberContext, error) {
	lock := e.store.NewLock(poolLockName(poolID), e.cfg.LockHoldTimeout, e.cfg.LockWaitTimeout)
	if err := lock.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("%w: could not acquire pool %d lock", ErrPoolUnavailable, poolID)
	}
	defer lock.Release(ctx)

	curr, err := e.GetNumberContext(ctx, number)
	if err != nil {
		return nil, err
	}
	if curr == nil {
		return nil, fmt.Errorf("%w: %d/%s", ErrNumberNotFound, poolID, number)
	}

	sid := e.sessionID(poolID, rc)
	if sid != e.sessionID(poolID, curr.RequestContext) {
		e.logger.Warn("update number session mismatch, returning current context", "pool_id", poolID, "number", number, "sid", sid)
		return curr, nil
	}

	updated := &NumberContext{
		PoolID:         poolID,
		RequestContext: rc,
		LeasedAt:       curr.LeasedAt,
		RenewedAt:      curr.RenewedAt,
	}
	if merge {
		updated.RequestContext = curr.RequestContext.Merge(rc)
	}
	if err := e.SetNumberContext(ctx, number, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// sessionNumber returns the number pinned to sid in this pool, "" if none
func (e *Engine) sessionNumber(ctx context.Context, poolID int, sid string) (string, error) {
	if sid == "" {
		return "", nil
	}
	number, _, err := e.store.HGet(ctx, sidHashKey(poolID), sid)
	return number, err
}

// FreeNumbers returns the pool's free set
func (e *Engine) FreeNumbers(ctx context.Context, poolID int) (map[string]struct{}, error) {
	members, err := e.store.SMembers(ctx, freeKey(poolID))
	if err != nil {
		return nil, err
	}
	return toSet(members), nil
}

// TakenNumbers returns the pool's taken numbers in renewal order
func (e *Engine) TakenNumbers(ctx context.Context, poolID int) ([]string, error) {
	return e.store.ZRangeAll(ctx, takenKey(poolID))
}

// PoolNumbers returns every number currently tracked by the pool
func (e *Engine) PoolNumbers(ctx context.Context, poolID int) (map[string]struct{}, error) {
	free, err := e.FreeNumbers(ctx, poolID)
	if err != nil {
		return nil, err
	}
	taken, err := e.TakenNumbers(ctx, poolID)
	if err != nil {
		return nil, err
	}
	for _, n := range taken {
		free[n] = struct{}{}
	}
	return free, nil
}

// SetNumberRenewedAt rewrites a taken number's renewal time, keeping the
// taken score in sync. Admin/test hook.
func (e *Engine) SetNumberRenewedAt(ctx context.Context, number string, renewedAt float64) error {
	status, nc, err := e.NumberStatus(ctx, number)
	if err != nil {
		return err
	}
	if status == StatusFree {
		return fmt.Errorf("cannot set renewed_at on free number %s", number)
	}
	nc.RenewedAt = renewedAt
	if _, err := e.store.ZAddXX(ctx, takenKey(nc.PoolID), number, renewedAt); err != nil {
		return err
	}
	return e.SetNumberContext(ctx, number, nc)
}

// shallowMerge lays incoming keys over base without descending into nested
// maps; the deep visit merge happens during renewal.
func shallowMerge(base, incoming RequestContext) RequestContext {
	out := make(RequestContext, len(base)+len(incoming))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

func toSet(members []string) map[string]struct{} {
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	return set
}

// PoolProperties returns the pool's property bag, preferring the in-process
// cache, then the store copy.
func (e *Engine) PoolProperties(ctx context.Context, poolID int) (map[string]interface{}, error) {
	e.propsMu.RLock()
	props, ok := e.propsCache[poolID]
	e.propsMu.RUnlock()
	if ok {
		return props, nil
	}

	raw, found, err := e.store.Get(ctx, poolPropsKey(poolID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return nil, fmt.Errorf("pool %d properties: %w", poolID, err)
	}
	e.propsMu.Lock()
	e.propsCache[poolID] = props
	e.propsMu.Unlock()
	return props, nil
}

// SetPoolProperties mirrors the catalog's property bag into the store and
// the in-process cache. Write-through: the store write happens first.
func (e *Engine) SetPoolProperties(ctx context.Context, poolID int, props map[string]interface{}) error {
	if props == nil {
		props = map[string]interface{}{}
	}
	encoded, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("encode pool %d properties: %w", poolID, err)
	}
	if err := e.store.Set(ctx, poolPropsKey(poolID), string(encoded), 0); err != nil {
		return err
	}
	e.propsMu.Lock()
	e.propsCache[poolID] = props
	e.propsMu.Unlock()
	return nil
}

func (e *Engine) invalidatePropsCache() {
	e.propsMu.Lock()
	e.propsCache = make(map[int]map[string]interface{})
	e.propsMu.Unlock()
}

// leaseAreaCodeNumber walks the request's target area codes in order,
// preferring free numbers with a matching prefix, then expired taken ones.
// Exhausted targets fall back to the pool's fallback area code once.
func (e *Engine) leaseAreaCodeNumber(ctx context.Context, pool catalog.Pool, req LeaseRequest) (string, error) {
	areaCodes := req.TargetAreaCodes
	if len(areaCodes) == 0 && e.selector != nil {
		areaCodes = e.selector.TargetAreaCodes(req.RequestContext.LatestURL())
	}

	number, err := e.tryAreaCodes(ctx, pool.ID, req.RequestContext, areaCodes)
	if err != nil || number != "" {
		return number, err
	}

	fallback := pool.FallbackAreaCode()
	if fallback == "" {
		return "", fmt.Errorf("%w: area code pool %d has no fallback_area_code", ErrPoolConfig, pool.ID)
	}
	if containsString(areaCodes, fallback) {
		return "", nil
	}
	e.logger.Debug("falling back to pool fallback area code", "pool_id", pool.ID, "fallback", fallback)
	return e.tryAreaCodes(ctx, pool.ID, req.RequestContext, []string{fallback})
}

func (e *Engine) tryAreaCodes(ctx context.Context, poolID int, rc RequestContext, areaCodes []string) (string, error) {
	for _, ac := range areaCodes {
		number, err := e.tryAreaCode(ctx, poolID, rc, ac)
		if err != nil {
			return "", err
		}
		if number != "" {
			return number, nil
		}
	}
	return "", nil
}

func (e *Engine) tryAreaCode(ctx context.Context, poolID int, rc RequestContext, areaCode string) (string, error) {
	// Free numbers with a matching prefix win
	number, ok, err := e.store.SScanFirst(ctx, freeKey(poolID), areaCode+"*", areaCodeScanBatch)
	if err != nil {
		return "", err
	}
	if ok {
		if err := e.leaseFreeNumber(ctx, poolID, number, rc); err != nil {
			return "", err
		}
		return number, nil
	}

	// Walk taken numbers from the earliest renewal. Once a matching number
	// is not expired, none of the later (fresher) ones will be either.
	attempts := 0
	var offset int64
	for {
		batch, err := e.store.ZRangeByScoreN(ctx, takenKey(poolID), offset, areaCodeScanBatch)
		if err != nil {
			return "", err
		}
		if len(batch) == 0 {
			return "", nil
		}
		for _, ms := range batch {
			if !strings.HasPrefix(ms.Member, areaCode) {
				continue
			}
			status, _, err := e.NumberStatus(ctx, ms.Member)
			if err != nil {
				return "", err
			}
			if status != StatusExpired {
				return "", nil
			}
			attempts++
			if err := e.leaseExpiredNumber(ctx, poolID, ms.Member, rc); err != nil {
				if attempts >= maxTakeoverAttempts {
					return "", err
				}
				continue
			}
			return ms.Member, nil
		}
		offset += areaCodeScanBatch
	}
}

func containsString(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
