package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncgoredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrUnavailable means the store connection could not be established
	ErrUnavailable = errors.New("kv store unavailable")
)

// Options configures the store connection
type Options struct {
	Addr         string
	Password     string
	ConnectTries int
}

// Store wraps the Redis connection used for all shared pool state. All
// methods are safe for concurrent use.
type Store struct {
	client *redis.Client
	locks  *redsync.Redsync
	opts   Options
	logger *slog.Logger
}

// MemberScore is a sorted set member with its score
type MemberScore struct {
	Member string
	Score  float64
}

// Connect establishes the store connection, retrying up to
// opts.ConnectTries times with a 1 second pause between attempts.
func Connect(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	if opts.ConnectTries <= 0 {
		opts.ConnectTries = 5
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{opts: opts, logger: logger}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) connect(ctx context.Context) error {
	tries := s.opts.ConnectTries
	for {
		client := redis.NewClient(&redis.Options{
			Addr:     s.opts.Addr,
			Password: s.opts.Password,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			tries--
			if tries <= 0 {
				s.logger.Error("could not connect to number pool store", "addr", s.opts.Addr, "error", err)
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			s.logger.Warn("retrying number pool store connection", "addr", s.opts.Addr)
			time.Sleep(1 * time.Second)
			continue
		}
		s.client = client
		s.locks = redsync.New(redsyncgoredis.NewPool(client))
		s.logger.Info("connected to number pool store", "addr", s.opts.Addr)
		return nil
	}
}

// Refresh replaces the underlying connection
func (s *Store) Refresh(ctx context.Context) error {
	old := s.client
	if err := s.connect(ctx); err != nil {
		return err
	}
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Close releases the underlying connection
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Get returns the string value at key. The second return is false when the
// key does not exist.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set writes a string value. A zero ttl means no expiration.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Del removes the given keys
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// Exists reports whether key exists
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

// SAdd adds members to the set at key
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SAdd(ctx, key, args...).Err()
}

// SRem removes members from the set at key, returning the removed count
func (s *Store) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SRem(ctx, key, args...).Result()
}

// SPop removes and returns a random member of the set at key. The second
// return is false when the set is empty.
func (s *Store) SPop(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.SPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SMembers returns all members of the set at key
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

// SScanFirst scans the set at key for the first member matching pattern,
// reading batchSize members per round trip.
func (s *Store) SScanFirst(ctx context.Context, key, pattern string, batchSize int64) (string, bool, error) {
	var cursor uint64
	for {
		members, next, err := s.client.SScan(ctx, key, cursor, pattern, batchSize).Result()
		if err != nil {
			return "", false, err
		}
		if len(members) > 0 {
			return members[0], true, nil
		}
		if next == 0 {
			return "", false, nil
		}
		cursor = next
	}
}

// ZAdd adds or updates a sorted set member
func (s *Store) ZAdd(ctx context.Context, key, member string, score float64) (int64, error) {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Result()
}

// ZAddXX updates the score of an existing member only, returning the number
// of changed entries. Members that do not already exist are not added.
func (s *Store) ZAddXX(ctx context.Context, key, member string, score float64) (int64, error) {
	return s.client.ZAddArgs(ctx, key, redis.ZAddArgs{
		XX:      true,
		Ch:      true,
		Members: []redis.Z{{Score: score, Member: member}},
	}).Result()
}

// ZRem removes members from the sorted set at key
func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.ZRem(ctx, key, args...).Err()
}

// ZRangeAll returns every member of the sorted set at key in score order
func (s *Store) ZRangeAll(ctx context.Context, key string) ([]string, error) {
	return s.client.ZRange(ctx, key, 0, -1).Result()
}

// ZRangeByScoreN returns up to count members starting at offset, walking the
// sorted set at key from the lowest score upward.
func (s *Store) ZRangeByScoreN(ctx context.Context, key string, offset, count int64) ([]MemberScore, error) {
	res, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    "+inf",
		Offset: offset,
		Count:  count,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]MemberScore, len(res))
	for i, z := range res {
		member, _ := z.Member.(string)
		out[i] = MemberScore{Member: member, Score: z.Score}
	}
	return out, nil
}

// HSet writes a hash field
func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	return s.client.HSet(ctx, key, field, value).Err()
}

// HGet reads a hash field. The second return is false when the field or the
// hash does not exist.
func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// HDel removes hash fields
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.client.HDel(ctx, key, fields...).Err()
}
