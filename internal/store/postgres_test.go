//go:build integration

package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/smart-tier/internal/store"
	"github.com/ChuLiYu/smart-tier/internal/testutil"
	"github.com/ChuLiYu/smart-tier/pkg/types"
)

var pg *testutil.TestContainer

func TestMain(m *testing.M) {
	pg = testutil.MustStartPostgres()
	code := m.Run()
	pg.Terminate()
	os.Exit(code)
}

// TestPostgresRoundTrip tests the placeholder rebinding and upserts against Postgres
func TestPostgresRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, err := pg.NewTestStore(ctx)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.InsertRule(ctx, types.RuleInfo{ID: 1, Text: "r", State: types.RuleActive}))
	require.NoError(t, st.UpdateRuleStats(ctx, 1, 10, 1, 2))

	n, err := st.InsertCommands(ctx, []types.CommandInfo{pending(1), pending(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err := st.ClaimPendingCommands(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, st.FinishCommand(ctx, 1, types.CommandDone, "", "", 6))

	require.NoError(t, st.UpsertFile(ctx, types.FileInfo{FileID: 1, Path: "/a", Replication: 3, StoragePolicy: "HOT"}))
	paths, err := st.QueryFilePaths(ctx, `SELECT path FROM files WHERE NOT is_dir`)
	require.NoError(t, err)
	assert.Equal(t, []string{"/a"}, paths)

	require.NoError(t, st.CreateAccessCountBucket(ctx,
		types.AccessCountTable{Name: "access_1", StartTime: 0, EndTime: 1000}, map[int64]int64{1: 4}))
	require.NoError(t, st.CreateAccessCountBucket(ctx,
		types.AccessCountTable{Name: "access_2", StartTime: 1000, EndTime: 2000}, map[int64]int64{1: 1}))
	q, err := store.SumCountsQuery([]string{"access_1", "access_2"}, ">= 5")
	require.NoError(t, err)
	require.NoError(t, st.Execute(ctx, `CREATE TABLE "vac_1" AS `+q))
	var count int64
	require.NoError(t, st.DB().QueryRowContext(ctx, `SELECT count FROM "vac_1" WHERE fid = 1`).Scan(&count))
	assert.Equal(t, int64(5), count)
}
