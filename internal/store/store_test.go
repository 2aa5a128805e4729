package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"printgate/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func TestEnsureReservedQueuesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	require.NoError(t, st.EnsureReservedQueues(ctx))
	require.NoError(t, st.WithTx(ctx, false, func(tx *sql.Tx) error {
		_, err := st.UpsertQueue(ctx, tx, model.Queue{URLPath: "raw", Reserved: model.ReservedRaw, Trusted: true})
		return err
	}))
	require.NoError(t, st.EnsureReservedQueues(ctx))

	err := st.WithTx(ctx, true, func(tx *sql.Tx) error {
		queues, err := st.ListQueues(ctx, tx)
		require.NoError(t, err)
		require.Len(t, queues, len(model.ReservedKinds))

		raw, err := st.GetQueueByPath(ctx, tx, "/raw/")
		require.NoError(t, err)
		require.Equal(t, model.ReservedRaw, raw.Reserved)
		require.True(t, raw.Trusted, "existing flags must survive a second bootstrap")

		def, err := st.GetQueueByPath(ctx, tx, "")
		require.NoError(t, err)
		require.Equal(t, model.ReservedDefault, def.Reserved)
		return nil
	})
	require.NoError(t, err)
}

func TestUpsertQueueRoundTripsPolicy(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	err := st.WithTx(ctx, false, func(tx *sql.Tx) error {
		q, err := st.UpsertQueue(ctx, tx, model.Queue{
			URLPath:   "office",
			Trusted:   true,
			IPAllowed: []string{"10.0.0.0/8", "192.168.1.5"},
		})
		require.NoError(t, err)
		require.Equal(t, model.ReservedNone, q.Reserved)
		require.Equal(t, []string{"10.0.0.0/8", "192.168.1.5"}, q.IPAllowed)
		require.False(t, q.DefaultPolicy())

		require.NoError(t, st.DeleteQueue(ctx, tx, "office"))
		q, err = st.GetQueueByPath(ctx, tx, "office")
		require.NoError(t, err)
		require.True(t, q.Deleted)

		_, err = st.GetQueueByPath(ctx, tx, "missing")
		require.True(t, errors.Is(err, ErrNotFound))
		return nil
	})
	require.NoError(t, err)
}

func TestUsersAndNumberLookup(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	err := st.WithTx(ctx, false, func(tx *sql.Tx) error {
		alice, err := st.CreateUser(ctx, tx, "alice", "secret", false)
		require.NoError(t, err)
		require.NotEmpty(t, alice.Number)
		require.NotEqual(t, uuid.Nil, alice.UUID)

		got, err := st.GetUserByNumber(ctx, tx, alice.Number, alice.UUID)
		require.NoError(t, err)
		require.Equal(t, "alice", got.Username)

		_, err = st.GetUserByNumber(ctx, tx, alice.Number, uuid.New())
		require.ErrorIs(t, err, ErrNotFound)

		_, err = st.VerifyUser(ctx, tx, "alice", "secret")
		require.NoError(t, err)
		_, err = st.VerifyUser(ctx, tx, "alice", "wrong")
		require.ErrorIs(t, err, ErrBadPassword)

		require.NoError(t, st.SetUserDisabled(ctx, tx, "alice", true))
		got, err = st.GetUserByUsername(ctx, tx, "alice")
		require.NoError(t, err)
		require.True(t, got.Disabled)

		require.ErrorIs(t, st.SetUserDisabled(ctx, tx, "nobody", true), ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestCreateJobStoresDocument(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	require.NoError(t, st.EnsureReservedQueues(ctx))

	err := st.WithTx(ctx, false, func(tx *sql.Tx) error {
		q, err := st.GetQueueByPath(ctx, tx, "raw")
		require.NoError(t, err)
		job, err := st.CreateJob(ctx, tx, model.Job{
			QueueID:    q.ID,
			Title:      "Report",
			UserName:   "alice",
			OriginHost: "10.0.0.5",
			Protocol:   model.ProtocolRaw,
			SizeBytes:  42,
			SpoolPath:  "/spool/job-1.ps",
		})
		require.NoError(t, err)
		require.NotZero(t, job.ID)

		got, err := st.GetJob(ctx, tx, job.ID)
		require.NoError(t, err)
		require.Equal(t, "Report", got.Title)
		require.Equal(t, model.ProtocolRaw, got.Protocol)
		require.Equal(t, "/spool/job-1.ps", got.SpoolPath)

		n, err := st.CountJobs(ctx, tx, q.ID)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		return nil
	})
	require.NoError(t, err)
}

func TestEnsureAdminUser(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	t.Setenv("PRINTGATE_ADMIN_USER", "root")
	t.Setenv("PRINTGATE_ADMIN_PASS", "pw")

	require.NoError(t, st.EnsureAdminUser(ctx))
	require.NoError(t, st.EnsureAdminUser(ctx))
	err := st.WithTx(ctx, true, func(tx *sql.Tx) error {
		u, err := st.VerifyUser(ctx, tx, "root", "pw")
		require.NoError(t, err)
		require.True(t, u.IsAdmin)
		return nil
	})
	require.NoError(t, err)
}

func TestPlaceholderRebind(t *testing.T) {
	pg := &Store{dialect: dialectPostgres}
	require.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.q("SELECT a FROM t WHERE x = ? AND y = ?"))
	lite := &Store{dialect: dialectSQLite}
	require.Equal(t, "x = ?", lite.q("x = ?"))
}
