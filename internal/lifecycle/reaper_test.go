package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/readerguard/internal/namespace"
	"github.com/l0p7/readerguard/internal/storage"
)

type recordingClaimer struct {
	claims []namespace.Generation
}

func (c *recordingClaimer) Claim(_ context.Context, gen namespace.Generation) error {
	c.claims = append(c.claims, gen)
	return nil
}

func TestReapDeletesEveryStalePartition(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	for _, name := range []string{"gkr-static-v2", "gkr-chapters-v2", "gkr-static-v3", "gkr-chapters-v3", "legacy-cache"} {
		_, err := store.Open(ctx, name)
		require.NoError(t, err)
	}
	claimer := &recordingClaimer{}
	reaper := NewReaper(store, claimer, nil, discardLogger())

	report, err := reaper.Reap(ctx, mustNamespace(t, "v3"))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"gkr-static-v2", "gkr-chapters-v2", "legacy-cache"}, report.Deleted)
	require.ElementsMatch(t, []string{"gkr-static-v3", "gkr-chapters-v3"}, report.Kept)
	require.Equal(t, []namespace.Generation{"v3"}, claimer.claims)

	names, err := store.Names(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"gkr-static-v3", "gkr-chapters-v3"}, names)

	report, err = reaper.Reap(ctx, mustNamespace(t, "v3"))
	require.NoError(t, err)
	require.Empty(t, report.Deleted)
	require.Len(t, claimer.claims, 2)
}

func TestReapWithoutClaimer(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	_, err := store.Open(ctx, "gkr-static-v1")
	require.NoError(t, err)

	report, err := NewReaper(store, nil, nil, nil).Reap(ctx, mustNamespace(t, "v2"))
	require.NoError(t, err)
	require.Equal(t, []string{"gkr-static-v1"}, report.Deleted)
}
