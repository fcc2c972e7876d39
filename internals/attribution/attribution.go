package attribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zarlabs/zar/internals/geo"
	"github.com/zarlabs/zar/internals/numberpool"
	"github.com/zarlabs/zar/internals/userctx"
)

// ErrNotFound means no pool, route, static or user context matched the call
var ErrNotFound = errors.New("no context found for call")

const distanceField = "zip_to_area_code_distance"

// Source identifies where the winning context came from
type Source string

const (
	SourcePool   Source = "pool"
	SourceRoute  Source = "route"
	SourceStatic Source = "static"
	SourceUser   Source = "user"
)

// Result is a resolved call attribution
type Result struct {
	Source         Source                 `json:"source"`
	PoolID         int                    `json:"pool_id,omitempty"`
	RequestContext map[string]interface{} `json:"request_context,omitempty"`
	StaticContext  map[string]interface{} `json:"static_context,omitempty"`
	UserContext    map[string]interface{} `json:"user_context,omitempty"`
	HasCachedRoute bool                   `json:"has_cached_route"`
	FromRouteCache bool                   `json:"from_route_cache"`
}

// Resolver attributes inbound calls to the web session that produced them.
// Candidate sources, in rough order of confidence: the live pool lease on the
// called number, the cached route for this caller/callee pair, the static
// context of a non-pooled number, and finally the caller's bare profile.
type Resolver struct {
	engine    *numberpool.Engine
	users     *userctx.Store
	distancer *geo.Distancer
	logger    *slog.Logger
	zipField  string
}

func New(engine *numberpool.Engine, users *userctx.Store, distancer *geo.Distancer, logger *slog.Logger, zipField string) *Resolver {
	if zipField == "" {
		zipField = "Zip"
	}
	return &Resolver{engine: engine, users: users, distancer: distancer, logger: logger, zipField: zipField}
}

// normalizeNumber strips a leading +1 country code
func normalizeNumber(number string) string {
	number = strings.TrimSpace(number)
	number = strings.TrimPrefix(number, "+1")
	return number
}

// Resolve attributes a call from callFrom to callTo. The winning context is
// written back to the route cache so a repeat call from the same phone keeps
// attributing long after the lease expired.
func (r *Resolver) Resolve(ctx context.Context, callFrom, callTo string) (*Result, error) {
	callFrom = normalizeNumber(callFrom)
	callTo = normalizeNumber(callTo)

	poolCtx, err := r.engine.GetNumberContext(ctx, callTo)
	if err != nil {
		return nil, err
	}
	routeCtx, err := r.engine.CachedRouteContext(ctx, callFrom, callTo)
	if err != nil {
		return nil, err
	}

	userCtx, err := r.users.Get(ctx, userctx.IDTypePhone, callFrom)
	if err != nil {
		return nil, err
	}
	if userCtx != nil {
		r.attachDistance(userCtx, userCtx, callFrom)
	}

	hasCachedRoute := routeCtx != nil

	if poolCtx == nil && routeCtx == nil {
		staticCtx, err := r.engine.StaticNumberContext(ctx, callTo)
		if err != nil {
			return nil, err
		}
		if staticCtx != nil {
			r.logger.Info("attributed call to static number", "call_to", callTo)
			return &Result{Source: SourceStatic, StaticContext: staticCtx, UserContext: userCtx}, nil
		}
		if userCtx != nil {
			r.logger.Info("attributed call to user profile only", "call_from", callFrom)
			return &Result{Source: SourceUser, UserContext: userCtx}, nil
		}
		r.logger.Warn("no context found for call", "call_from", callFrom, "call_to", callTo)
		return nil, fmt.Errorf("%w: %s->%s", ErrNotFound, callFrom, callTo)
	}

	chosen, source := r.choose(poolCtx, routeCtx)

	if latest, ok := chosen.RequestContext["latest_context"].(map[string]interface{}); ok {
		r.attachDistance(latest, userCtx, callFrom)
	}

	if err := r.engine.SetCachedRouteContext(ctx, callFrom, callTo, chosen); err != nil {
		return nil, err
	}
	if sid := chosen.SessionID(); sid != "" {
		if err := r.users.RecordCall(ctx, userctx.IDTypeSID, sid, callTo); err != nil {
			r.logger.Warn("could not record call on session profile", "sid", sid, "error", err)
		}
	}

	r.logger.Info("attributed call", "call_from", callFrom, "call_to", callTo, "source", source)
	return &Result{
		Source:         source,
		PoolID:         chosen.PoolID,
		RequestContext: chosen.RequestContext,
		UserContext:    userCtx,
		HasCachedRoute: hasCachedRoute,
		FromRouteCache: source == SourceRoute,
	}, nil
}

// choose picks between the live pool context and the cached route context.
// The pool context is fresher, so it wins whenever it plausibly belongs to
// the same person: same session id, or same IP and user agent.
func (r *Resolver) choose(poolCtx, routeCtx *numberpool.NumberContext) (*numberpool.NumberContext, Source) {
	switch {
	case poolCtx == nil:
		return routeCtx, SourceRoute
	case routeCtx == nil:
		return poolCtx, SourcePool
	}

	// Two session-less contexts count as the same session
	if poolCtx.SessionID() == routeCtx.SessionID() {
		return poolCtx, SourcePool
	}
	poolRC, routeRC := poolCtx.RequestContext, routeCtx.RequestContext
	if poolRC.IP() != "" && poolRC.IP() == routeRC.IP() && poolRC.UserAgent() == routeRC.UserAgent() {
		return poolCtx, SourcePool
	}
	r.logger.Info("route context wins over unrelated pool context")
	return routeCtx, SourceRoute
}

// attachDistance annotates target with the miles between the caller's zip
// (from their profile) and the caller's own area code.
func (r *Resolver) attachDistance(target, userCtx map[string]interface{}, callFrom string) {
	if r.distancer == nil || userCtx == nil || len(callFrom) < 3 {
		return
	}
	zip, ok := userCtx[r.zipField].(string)
	if !ok || zip == "" {
		return
	}
	miles, ok := r.distancer.ZipToAreaCodeMiles(zip, callFrom[:3])
	if !ok {
		return
	}
	target[distanceField] = miles
}
