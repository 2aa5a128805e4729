package config

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"printgate/internal/model"
	"printgate/internal/store"
)

func TestSyncQueuesFromConf(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	content := `# queues
<Queue office>
Trusted yes
Allow 10.0.0.0/8, 192.168.1.0/24
Allow @local
</Queue>
<Queue /raw/>
Disabled on
</Queue>
<Queue >
Trusted yes
</Queue>
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "queues.conf"), []byte(content), 0o644))

	st, err := store.Open(ctx, filepath.Join(dir, "q.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureReservedQueues(ctx))

	n, err := SyncQueuesFromConf(ctx, dir, st)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, st.WithTx(ctx, true, func(tx *sql.Tx) error {
		office, err := st.GetQueueByPath(ctx, tx, "office")
		require.NoError(t, err)
		require.True(t, office.Trusted)
		require.Equal(t, model.ReservedNone, office.Reserved)
		require.Equal(t, []string{"10.0.0.0/8", "192.168.1.0/24", "@local"}, office.IPAllowed)

		raw, err := st.GetQueueByPath(ctx, tx, "raw")
		require.NoError(t, err)
		require.True(t, raw.Disabled)
		require.Equal(t, model.ReservedRaw, raw.Reserved)
		return nil
	}))
}

func TestSyncQueuesFromConfMissingFile(t *testing.T) {
	n, err := SyncQueuesFromConf(context.Background(), t.TempDir(), &store.Store{})
	require.NoError(t, err)
	require.Zero(t, n)
}
