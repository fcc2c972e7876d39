package numberpool

import (
	"context"
	"encoding/json"
	"fmt"
)

// Static numbers: non-pooled tracking numbers whose context is fixed by
// administration. No TTL; replaced wholesale on write.

func staticKey(number string) string {
	return "static:" + number
}

// StaticNumberContext returns the fixed context of a static number, nil
// when the number has none.
func (e *Engine) StaticNumberContext(ctx context.Context, number string) (map[string]interface{}, error) {
	raw, ok, err := e.store.Get(ctx, staticKey(number))
	if err != nil {
		return nil, fmt.Errorf("get static context %s: %w", number, err)
	}
	if !ok {
		return nil, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("static context %s: %w", number, err)
	}
	return out, nil
}

// SetStaticNumberContexts replaces the contexts of the given static numbers
func (e *Engine) SetStaticNumberContexts(ctx context.Context, contexts map[string]map[string]interface{}) error {
	for number, staticCtx := range contexts {
		encoded, err := json.Marshal(staticCtx)
		if err != nil {
			return fmt.Errorf("encode static context %s: %w", number, err)
		}
		if err := e.store.Set(ctx, staticKey(number), string(encoded), 0); err != nil {
			return err
		}
	}
	return nil
}

// RemoveStaticNumberContext deletes a static number's context
func (e *Engine) RemoveStaticNumberContext(ctx context.Context, number string) error {
	return e.store.Del(ctx, staticKey(number))
}
