package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSafeNameStableAndUnique(t *testing.T) {
	a := SafeName("chat-a")
	b := SafeName("chat-a")
	c := SafeName("chat-b")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, len("model_")+16)
}

func TestRuntimeStartEndRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	start := time.Now().Add(-time.Minute)
	id, err := db.RecordRuntimeStart(ctx, "chat-a", start)
	require.NoError(t, err)
	require.NoError(t, db.RecordRuntimeEnd(ctx, "chat-a", id, time.Now()))
}

func TestAppendAndQueryRequests(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	require.NoError(t, db.AppendRequest(ctx, "chat-a", "req-1", base, base.Add(time.Second), 10, 20, 3, 15))
	require.NoError(t, db.AppendRequest(ctx, "chat-a", "req-2", base.Add(time.Minute), base.Add(time.Minute+time.Second), 5, 5, 0, 5))

	// zero-token requests are skipped
	require.NoError(t, db.AppendRequest(ctx, "chat-a", "req-3", base, base, 0, 0, 0, 0))

	recs, err := db.GetModelRequests(ctx, "chat-a", base, time.Now(), time.Minute)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, int64(10), recs[0].PromptTokens)
	require.Equal(t, int64(3), recs[0].CacheN)
	require.Equal(t, int64(15), recs[0].PromptN)
	require.Equal(t, "req-1", recs[0].RequestID)
}

func TestRequestsTableForwardMigratesMissingColumns(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	safe, err := db.ensureModelTables("chat-a")
	require.NoError(t, err)
	// Simulate a table created by a binary that predates cache_n/prompt_n.
	_, err = db.sql.Exec(fmt.Sprintf(`DROP TABLE %s_requests`, safe))
	require.NoError(t, err)
	_, err = db.sql.Exec(fmt.Sprintf(`CREATE TABLE %s_requests (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id        TEXT,
		start_time        DATETIME NOT NULL,
		end_time          DATETIME NOT NULL,
		prompt_tokens     INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0
	)`, safe))
	require.NoError(t, err)

	require.NoError(t, db.AppendRequest(ctx, "chat-a", "req-1", time.Now(), time.Now(), 1, 2, 3, 4))

	recs, err := db.GetModelRequests(ctx, "chat-a", time.Time{}, time.Now().Add(time.Minute), time.Minute)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, int64(3), recs[0].CacheN)
	require.Equal(t, int64(4), recs[0].PromptN)
}

func TestDeleteModelDropsTables(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.AppendRequest(ctx, "chat-a", "req-1", time.Now(), time.Now(), 1, 1, 0, 0))
	require.NoError(t, db.DeleteModel(ctx, "chat-a"))

	recs, err := db.GetModelRequests(ctx, "chat-a", time.Time{}, time.Now(), time.Minute)
	require.Error(t, err) // table is gone
	require.Nil(t, recs)
}
