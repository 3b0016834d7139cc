package credstore_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/aussiebroadwan/attendance/pkg/credstore"
	"github.com/stretchr/testify/require"
)

// runConformance exercises the Store contract against one driver. open must
// return an empty store.
func runConformance(t *testing.T, open func(t *testing.T) credstore.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("write and read", func(t *testing.T) {
		s := open(t)

		require.NoError(t, s.Write(ctx, credstore.Set{
			credstore.KeyAccessToken:  "at-1",
			credstore.KeyRefreshToken: "rt-1",
		}))

		v, ok, err := s.Read(ctx, credstore.KeyAccessToken)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "at-1", v)

		_, ok, err = s.Read(ctx, credstore.KeyFederatedIDToken)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("empty value deletes", func(t *testing.T) {
		s := open(t)

		require.NoError(t, s.Write(ctx, credstore.Set{credstore.KeyAccessToken: "at-1"}))
		require.NoError(t, s.Write(ctx, credstore.Set{credstore.KeyAccessToken: ""}))

		_, ok, err := s.Read(ctx, credstore.KeyAccessToken)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("unknown key rejected", func(t *testing.T) {
		s := open(t)

		err := s.Write(ctx, credstore.Set{"favourite_colour": "blue"})
		require.ErrorIs(t, err, credstore.ErrUnknownKey)

		_, _, err = s.Read(ctx, "favourite_colour")
		require.ErrorIs(t, err, credstore.ErrUnknownKey)
	})

	t.Run("clear scopes", func(t *testing.T) {
		s := open(t)
		full := credstore.Merge(
			credstore.ApplicationTokens{AccessToken: "at", RefreshToken: "rt"}.Set(),
			credstore.FederatedTokens{IDToken: "id", AccessToken: "fat", RefreshToken: "frt"}.Set(),
			credstore.Set{credstore.KeyLoginMethod: string(credstore.MethodFederated)},
		)

		require.NoError(t, s.Write(ctx, full))
		require.NoError(t, s.Clear(ctx, credstore.ScopeFederated))
		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		require.False(t, snap.Federated().Complete())
		require.True(t, snap.Application().Complete())
		require.Equal(t, credstore.MethodFederated, snap.Method())

		require.NoError(t, s.Write(ctx, full))
		require.NoError(t, s.Clear(ctx, credstore.ScopeApplication))
		snap, err = s.Snapshot(ctx)
		require.NoError(t, err)
		require.True(t, snap.Federated().Complete())
		require.False(t, snap.Application().Complete())
		require.Equal(t, credstore.MethodNone, snap.Method())

		require.NoError(t, s.Write(ctx, full))
		require.NoError(t, s.Clear(ctx, credstore.ScopeAll))
		snap, err = s.Snapshot(ctx)
		require.NoError(t, err)
		require.True(t, snap.Empty())

		require.ErrorIs(t, s.Clear(ctx, credstore.Scope(42)), credstore.ErrUnknownScope)
	})

	t.Run("compare and write", func(t *testing.T) {
		s := open(t)
		local := credstore.Merge(
			credstore.ApplicationTokens{AccessToken: "at-1", RefreshToken: "rt-1"}.Set(),
			credstore.Set{credstore.KeyLoginMethod: string(credstore.MethodLocal)},
		)
		require.NoError(t, s.Write(ctx, local))

		expect := credstore.Set{
			credstore.KeyRefreshToken: "rt-1",
			credstore.KeyLoginMethod:  string(credstore.MethodLocal),
		}
		rotated := credstore.ApplicationTokens{AccessToken: "at-2", RefreshToken: "rt-2"}.Set()

		ok, err := s.CompareAndWrite(ctx, expect, rotated)
		require.NoError(t, err)
		require.True(t, ok)

		// rt-1 is gone now, so a second writer holding it loses.
		ok, err = s.CompareAndWrite(ctx, expect, credstore.ApplicationTokens{AccessToken: "at-x", RefreshToken: "rt-x"}.Set())
		require.NoError(t, err)
		require.False(t, ok)
		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		require.Equal(t, "at-2", snap.Application().AccessToken)

		// A cleared store never takes a write guarded on the old session.
		require.NoError(t, s.Clear(ctx, credstore.ScopeAll))
		ok, err = s.CompareAndWrite(ctx, credstore.Set{credstore.KeyRefreshToken: "rt-2"}, rotated)
		require.NoError(t, err)
		require.False(t, ok)
		snap, err = s.Snapshot(ctx)
		require.NoError(t, err)
		require.True(t, snap.Empty())

		// "" expects absence.
		ok, err = s.CompareAndWrite(ctx, credstore.Set{credstore.KeyAccessToken: ""}, local)
		require.NoError(t, err)
		require.True(t, ok)

		wipe, err := credstore.Cleared(credstore.ScopeAll)
		require.NoError(t, err)
		ok, err = s.CompareAndWrite(ctx, credstore.Set{credstore.KeyAccessToken: "at-1"}, wipe)
		require.NoError(t, err)
		require.True(t, ok)
		snap, err = s.Snapshot(ctx)
		require.NoError(t, err)
		require.True(t, snap.Empty())

		_, err = s.CompareAndWrite(ctx, credstore.Set{"favourite_colour": ""}, local)
		require.ErrorIs(t, err, credstore.ErrUnknownKey)
	})

	t.Run("pairs are never observed half written", func(t *testing.T) {
		s := open(t)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				_ = s.Write(ctx, credstore.ApplicationTokens{
					AccessToken:  fmt.Sprintf("at-%d", i),
					RefreshToken: fmt.Sprintf("rt-%d", i),
				}.Set())
			}
		}()

		for range 200 {
			snap, err := s.Snapshot(ctx)
			require.NoError(t, err)
			app := snap.Application()
			if app.AccessToken == "" {
				require.Empty(t, app.RefreshToken)
				continue
			}
			require.Equal(t, "rt"+app.AccessToken[2:], app.RefreshToken)
		}
		wg.Wait()
	})
}
