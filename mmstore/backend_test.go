package mmstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/reusee/ipcbench"
	"github.com/reusee/ipcbench/mmstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendSharedStorage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	writer := mmstore.New(mmstore.WithDir(dir), mmstore.WithMapSize(1<<20))
	require.NoError(t, writer.Initialize(ctx, "bench_10", ipcbench.Writer))

	reader := mmstore.New(mmstore.WithDir(dir))
	require.NoError(t, reader.Initialize(ctx, "bench_10", ipcbench.Reader))

	_, ok, err := reader.Read(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	first := ipcbench.Generate(10)
	require.NoError(t, writer.Write(ctx, first))
	for i := 0; i < 50; i++ {
		got, ok, err := reader.Read(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, first.Equal(got))
	}

	second := ipcbench.Generate(20)
	require.NoError(t, writer.Write(ctx, second))
	got, ok, err := reader.Read(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, second.Equal(got), "write replaces the previous value")

	stats, err := reader.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.TxID)

	require.ErrorIs(t, reader.Write(ctx, first), ipcbench.ErrRoleViolation)

	require.NoError(t, reader.Cleanup())
	_, err = os.Stat(filepath.Join(dir, "ipcbench_mm_bench_10"))
	require.NoError(t, err, "reader cleanup keeps the store")

	require.NoError(t, writer.Cleanup())
	_, err = os.Stat(filepath.Join(dir, "ipcbench_mm_bench_10"))
	assert.True(t, os.IsNotExist(err), "writer cleanup removes the store")
}

func TestBackendInitErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	r := mmstore.New(mmstore.WithDir(dir))
	require.ErrorIs(t, r.Initialize(ctx, "missing", ipcbench.Reader), ipcbench.ErrResourceInit)
	require.NoError(t, r.Cleanup())

	// stale store of another map size is rejected, then removed by cleanup
	w := mmstore.New(mmstore.WithDir(dir), mmstore.WithMapSize(1<<20))
	require.NoError(t, w.Initialize(ctx, "stale", ipcbench.Writer))
	require.ErrorIs(t, w.Initialize(ctx, "stale", ipcbench.Writer), ipcbench.ErrAlreadyInitialized)

	other := mmstore.New(mmstore.WithDir(dir), mmstore.WithMapSize(2<<20))
	require.ErrorIs(t, other.Initialize(ctx, "stale", ipcbench.Writer), ipcbench.ErrResourceInit)
	require.NoError(t, w.Cleanup())
	require.NoError(t, other.Cleanup())
}

func TestBackendCapacity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	w := mmstore.New(mmstore.WithDir(t.TempDir()), mmstore.WithMapSize(3*4096))
	require.NoError(t, w.Initialize(ctx, "small", ipcbench.Writer))
	defer w.Cleanup()

	err := w.WriteBytes(ctx, make([]byte, 8192))
	require.ErrorIs(t, err, ipcbench.ErrCapacityExceeded)
}
