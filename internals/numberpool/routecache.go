package numberpool

import (
	"context"
	"fmt"
)

// Route cache: the last successful attribution for a caller->callee pair,
// retained long past pool-level expiration so a returning caller can still
// be attributed.

func routeKey(callFrom, callTo string) string {
	return fmt.Sprintf("%s->%s", callFrom, callTo)
}

// CachedRouteContext returns the cached context for a caller->callee pair,
// nil when absent or expired.
func (e *Engine) CachedRouteContext(ctx context.Context, callFrom, callTo string) (*NumberContext, error) {
	raw, ok, err := e.store.Get(ctx, routeKey(callFrom, callTo))
	if err != nil {
		return nil, fmt.Errorf("get route context %s->%s: %w", callFrom, callTo, err)
	}
	if !ok {
		return nil, nil
	}
	return decodeNumberContext(raw)
}

// SetCachedRouteContext caches the context chosen for a caller->callee pair.
// Rewriting an entry refreshes its TTL.
func (e *Engine) SetCachedRouteContext(ctx context.Context, callFrom, callTo string, nc *NumberContext) error {
	encoded, err := nc.encode()
	if err != nil {
		return fmt.Errorf("encode route context %s->%s: %w", callFrom, callTo, err)
	}
	return e.store.Set(ctx, routeKey(callFrom, callTo), encoded, e.cfg.RouteCacheTTL)
}
