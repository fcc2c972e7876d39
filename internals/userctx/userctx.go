package userctx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/zarlabs/zar/internals/kvstore"
)

// Recognized profile id types
const (
	IDTypePhone = "phone"
	IDTypeEmail = "email"
	IDTypeSID   = "sid"
)

// Store keeps long-lived per-user profiles keyed by (id type, id value).
// Profiles enrich call attribution; certain caller ids are anonymized by the
// carrier and carry no signal, so they are skipped on both read and write.
type Store struct {
	kv        *kvstore.Store
	logger    *slog.Logger
	ttl       time.Duration
	anonymous map[string]struct{}
}

func New(kv *kvstore.Store, logger *slog.Logger, ttl time.Duration, anonymousIDs []string) *Store {
	anon := make(map[string]struct{}, len(anonymousIDs))
	for _, id := range anonymousIDs {
		anon[id] = struct{}{}
	}
	return &Store{kv: kv, logger: logger, ttl: ttl, anonymous: anon}
}

func profileKey(idType, userID string) string {
	return fmt.Sprintf("%s:%s", idType, userID)
}

// IsAnonymous reports whether userID is one of the enumerated anonymous
// caller ids.
func (s *Store) IsAnonymous(userID string) bool {
	_, ok := s.anonymous[userID]
	return ok
}

// Get returns the user's profile, nil when absent or anonymous.
func (s *Store) Get(ctx context.Context, idType, userID string) (map[string]interface{}, error) {
	if userID == "" || s.IsAnonymous(userID) {
		return nil, nil
	}
	raw, ok, err := s.kv.Get(ctx, profileKey(idType, userID))
	if err != nil {
		return nil, fmt.Errorf("get user context %s:%s: %w", idType, userID, err)
	}
	if !ok {
		return nil, nil
	}
	var profile map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return nil, fmt.Errorf("user context %s:%s: %w", idType, userID, err)
	}
	return profile, nil
}

// Update merges (or replaces, when merge is false) userCtx into the stored
// profile and refreshes its TTL. Anonymous ids are silently dropped. The
// resulting profile is returned.
func (s *Store) Update(ctx context.Context, idType, userID string, userCtx map[string]interface{}, merge bool) (map[string]interface{}, error) {
	if userID == "" || s.IsAnonymous(userID) {
		s.logger.Debug("skipping anonymous user context update", "id_type", idType)
		return nil, nil
	}

	profile := userCtx
	if merge {
		current, err := s.Get(ctx, idType, userID)
		if err != nil {
			return nil, err
		}
		if current != nil {
			merged := make(map[string]interface{}, len(current)+len(userCtx))
			for k, v := range current {
				merged[k] = v
			}
			for k, v := range userCtx {
				merged[k] = v
			}
			profile = merged
		}
	}

	encoded, err := json.Marshal(profile)
	if err != nil {
		return nil, fmt.Errorf("encode user context %s:%s: %w", idType, userID, err)
	}
	if err := s.kv.Set(ctx, profileKey(idType, userID), string(encoded), s.ttl); err != nil {
		return nil, err
	}
	return profile, nil
}

// Remove deletes the user's profile
func (s *Store) Remove(ctx context.Context, idType, userID string) error {
	return s.kv.Del(ctx, profileKey(idType, userID))
}

// RecordCall notes the number a user last called on their profile. Used by
// call attribution to leave a trace on the caller's session profile.
func (s *Store) RecordCall(ctx context.Context, idType, userID, number string) error {
	_, err := s.Update(ctx, idType, userID, map[string]interface{}{
		"last_called_number": number,
		"last_called_time":   float64(time.Now().UnixMilli()) / 1000,
	}, true)
	return err
}
