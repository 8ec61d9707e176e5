package remote_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/ebuzz/internal/remote"
)

func TestRedis_SetGet(t *testing.T) {
	type (
		inputs struct {
			path  string
			value any
			read  string
		}

		outputs struct {
			value any
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"scalar leaf should round-trip": {
			arrange: func() inputs {
				return inputs{
					path:  "games/ABC123/buzzer_enabled",
					value: true,
					read:  "games/ABC123/buzzer_enabled",
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Equal(t, true, out.value)
			},
		},

		"map should flatten into child paths and reassemble": {
			arrange: func() inputs {
				return inputs{
					path: "games/ABC123",
					value: map[string]any{
						"buzzer_winner": "p1",
						"players": map[string]any{
							"p1": map[string]any{"name": "Alice", "score": 3},
						},
					},
					read: "games/ABC123",
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Equal(t, map[string]any{
					"buzzer_winner": "p1",
					"players": map[string]any{
						"p1": map[string]any{"name": "Alice", "score": float64(3)},
					},
				}, out.value)
			},
		},

		"subtree read should return only that subtree": {
			arrange: func() inputs {
				return inputs{
					path: "games/ABC123",
					value: map[string]any{
						"players": map[string]any{
							"p1": map[string]any{"name": "Alice"},
							"p2": map[string]any{"name": "Bob"},
						},
					},
					read: "games/ABC123/players/p2",
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Equal(t, map[string]any{"name": "Bob"}, out.value)
			},
		},

		"arrays should stay leaves": {
			arrange: func() inputs {
				return inputs{
					path:  "games/ABC123/blocked_players",
					value: []string{"p1", "p2"},
					read:  "games/ABC123/blocked_players",
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Equal(t, []any{"p1", "p2"}, out.value)
			},
		},

		"missing path should read as nil": {
			arrange: func() inputs {
				return inputs{
					path:  "games/ABC123/buzzer_enabled",
					value: true,
					read:  "games/OTHER",
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Nil(t, out.value)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			r := makeStore(t)

			require.NoError(t, r.Set(context.Background(), in.path, in.value))

			got, err := r.Get(context.Background(), in.read)
			require.NoError(t, err)

			tt.assert(t, outputs{value: got})
		})
	}
}

func TestRedis_SetReplacesSubtree(t *testing.T) {
	r := makeStore(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "games/ABC123/players/p1", map[string]any{
		"name":  "Alice",
		"score": 3,
	}))

	// A new value under the same path must not leave stale children behind.
	require.NoError(t, r.Set(ctx, "games/ABC123/players/p1", map[string]any{
		"name": "Alice2",
	}))

	got, err := r.Get(ctx, "games/ABC123/players/p1")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"name": "Alice2"}, got)
}

func TestRedis_SetNilDeletes(t *testing.T) {
	r := makeStore(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "games/ABC123", map[string]any{
		"buzzer_winner": "p1",
		"players":       map[string]any{"p1": map[string]any{"name": "Alice"}},
	}))

	require.NoError(t, r.Set(ctx, "games/ABC123/players", nil))

	got, err := r.Get(ctx, "games/ABC123")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"buzzer_winner": "p1"}, got)

	require.NoError(t, r.Set(ctx, "games/ABC123", nil))

	got, err = r.Get(ctx, "games/ABC123")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRedis_Update(t *testing.T) {
	r := makeStore(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "games/ABC123", map[string]any{
		"buzzer_enabled": true,
		"buzzer_winner":  "p1",
		"players": map[string]any{
			"p1": map[string]any{"name": "Alice", "buzzer_active": true},
			"p2": map[string]any{"name": "Bob", "buzzer_active": false},
		},
	}))

	err := r.Update(ctx, "games/ABC123", remote.Patch{
		"buzzer_enabled":           false,
		"buzzer_winner":            nil,
		"players/p2/buzzer_active": true,
	})
	require.NoError(t, err)

	got, err := r.Get(ctx, "games/ABC123")
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"buzzer_enabled": false,
		"players": map[string]any{
			"p1": map[string]any{"name": "Alice", "buzzer_active": true},
			"p2": map[string]any{"name": "Bob", "buzzer_active": true},
		},
	}, got)
}

func TestRedis_UpdateLeavesSiblingsAlone(t *testing.T) {
	r := makeStore(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "games/ABC123", map[string]any{
		"players": map[string]any{
			"p1": map[string]any{"score": 1},
			"p2": map[string]any{"score": 2},
		},
	}))

	require.NoError(t, r.Update(ctx, "games/ABC123", remote.Patch{
		"players/p1/score": 5,
	}))

	got, err := r.Get(ctx, "games/ABC123/players/p2/score")
	require.NoError(t, err)
	require.Equal(t, float64(2), got)
}

func TestRedis_Transaction(t *testing.T) {
	r := makeStore(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "games/ABC123/players/p1/score", 2))

	err := r.Transaction(ctx, "games/ABC123/players/p1/score", func(current any) (any, error) {
		cur := 0
		if f, ok := current.(float64); ok {
			cur = int(f)
		}
		return cur + 3, nil
	})
	require.NoError(t, err)

	got, err := r.Get(ctx, "games/ABC123/players/p1/score")
	require.NoError(t, err)
	require.Equal(t, float64(5), got)
}

func TestRedis_TransactionStartsFromNil(t *testing.T) {
	r := makeStore(t)
	ctx := context.Background()

	err := r.Transaction(ctx, "games/ABC123/players/p1/score", func(current any) (any, error) {
		require.Nil(t, current)
		return 1, nil
	})
	require.NoError(t, err)

	got, err := r.Get(ctx, "games/ABC123/players/p1/score")
	require.NoError(t, err)
	require.Equal(t, float64(1), got)
}

func TestRedis_PathTooShallow(t *testing.T) {
	r := makeStore(t)

	_, err := r.Get(context.Background(), "games")
	require.Error(t, err)

	require.Error(t, r.Set(context.Background(), "", 1))
}

func makeStore(t *testing.T) *remote.Redis {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	return remote.NewRedis(rc, "test")
}
