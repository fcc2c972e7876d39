package userctx

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zarlabs/zar/internals/kvstore"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kv, err := kvstore.Connect(context.Background(), kvstore.Options{Addr: mr.Addr(), ConnectTries: 1}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return New(kv, logger, 14*24*time.Hour, []string{"266696687", "anonymous"}), mr
}

func TestUpdateAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	profile, err := s.Update(ctx, IDTypePhone, "4015735878", map[string]interface{}{"foo": "bar", "Zip": "02184"}, true)
	require.NoError(t, err)
	assert.Equal(t, "bar", profile["foo"])

	got, err := s.Get(ctx, IDTypePhone, "4015735878")
	require.NoError(t, err)
	assert.Equal(t, "02184", got["Zip"])

	// Merge keeps existing keys
	_, err = s.Update(ctx, IDTypePhone, "4015735878", map[string]interface{}{"baz": "qux"}, true)
	require.NoError(t, err)
	got, err = s.Get(ctx, IDTypePhone, "4015735878")
	require.NoError(t, err)
	assert.Equal(t, "bar", got["foo"])
	assert.Equal(t, "qux", got["baz"])

	// Replace drops them
	_, err = s.Update(ctx, IDTypePhone, "4015735878", map[string]interface{}{"only": "this"}, false)
	require.NoError(t, err)
	got, err = s.Get(ctx, IDTypePhone, "4015735878")
	require.NoError(t, err)
	assert.Nil(t, got["foo"])
	assert.Equal(t, "this", got["only"])
}

func TestAnonymousSkipped(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	profile, err := s.Update(ctx, IDTypePhone, "266696687", map[string]interface{}{"foo": "bar"}, true)
	require.NoError(t, err)
	assert.Nil(t, profile)

	got, err := s.Get(ctx, IDTypePhone, "266696687")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.True(t, s.IsAnonymous("anonymous"))
	assert.False(t, s.IsAnonymous("4015735878"))
}

func TestProfileExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.Update(ctx, IDTypeEmail, "a@b.c", map[string]interface{}{"foo": "bar"}, true)
	require.NoError(t, err)

	mr.FastForward(15 * 24 * time.Hour)
	got, err := s.Get(ctx, IDTypeEmail, "a@b.c")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRemove(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Update(ctx, IDTypePhone, "5551234567", map[string]interface{}{"foo": "bar"}, true)
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, IDTypePhone, "5551234567"))

	got, err := s.Get(ctx, IDTypePhone, "5551234567")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRecordCall(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordCall(ctx, IDTypeSID, "sid-1", "5551230001"))
	got, err := s.Get(ctx, IDTypeSID, "sid-1")
	require.NoError(t, err)
	assert.Equal(t, "5551230001", got["last_called_number"])
	assert.NotNil(t, got["last_called_time"])
}
