package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "search.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func i64(v int64) *int64 { return &v }

// requireFTS skips tests that need the fts5 module when the
// current sqlite build lacks it.
func requireFTS(t *testing.T, d *DB) {
	t.Helper()
	if !d.HasFTS() {
		t.Skip("fts5 not available in this build")
	}
}

func testRecord(id string, automatic bool) SessionRecord {
	return SessionRecord{
		Session: Session{
			ID:          id,
			Project:     "demo",
			StartedAt:   i64(1000),
			Preview:     "How do I create a React component?",
			LastIndexed: 5000,
			IsAutomatic: automatic,
			IsUnread:    automatic,
		},
		Messages: []Message{
			{
				UUID: id + "-1", Role: "user",
				Content:   "How do I create a React component?",
				Timestamp: i64(1000),
			},
			{
				UUID: id + "-2", Role: "assistant",
				Content:   "Use a function returning JSX.",
				Timestamp: i64(2000),
			},
		},
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "search.db")
	d, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, d.IndexSession(testRecord("abc", false)))
	require.NoError(t, d.Close())

	// Reopening an existing database must rerun schema setup
	// without error and keep the data.
	d2, err := Open(path)
	require.NoError(t, err)
	defer d2.Close()
	s, err := d2.GetSession(context.Background(), "abc")
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, 2, s.MessageCount)
}

func TestIndexSessionReplacesMessages(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	require.NoError(t, d.IndexSession(testRecord("abc", false)))

	rec := testRecord("abc", false)
	rec.Messages = append(rec.Messages, Message{
		UUID: "abc-3", Role: "user",
		Content: "What about hooks?", Timestamp: i64(3000),
	})
	rec.Session.LastActivityAt = i64(3000)
	require.NoError(t, d.IndexSession(rec))

	msgs, err := d.GetMessagesBySessionID(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "abc-1", msgs[0].UUID)
	require.Equal(t, "abc-3", msgs[2].UUID)

	s, err := d.GetSession(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, 3, s.MessageCount)
	require.Equal(t, int64(3000), *s.LastActivityAt)
}

func TestReindexPreservesFlags(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	require.NoError(t, d.IndexSession(testRecord("abc", true)))

	s, err := d.GetSession(ctx, "abc")
	require.NoError(t, err)
	require.True(t, s.IsUnread)

	ok, err := d.MarkRead("abc")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = d.HideSession("abc")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, d.IndexSession(testRecord("abc", true)))
	s, err = d.GetSession(ctx, "abc")
	require.NoError(t, err)
	require.False(t, s.IsUnread, "reindex must not resurrect unread")
	require.True(t, s.IsHidden, "reindex must not unhide")
}

func TestFlagUpdatesOnMissingSession(t *testing.T) {
	d := testDB(t)
	ok, err := d.MarkRead("nope")
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = d.HideSession("nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListRecentSessions(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	a := testRecord("a", false)
	a.Session.StartedAt = i64(1000)
	b := testRecord("b", true)
	b.Session.StartedAt = i64(2000)
	c := testRecord("c", false)
	c.Session.StartedAt = i64(500)
	c.Session.LastActivityAt = i64(9000)
	for _, rec := range []SessionRecord{a, b, c} {
		require.NoError(t, d.IndexSession(rec))
	}

	all, err := d.ListRecentSessions(ctx, 10, 0, FilterAll)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// c has the latest activity despite the earliest start.
	require.Equal(t, "c", all[0].ID)
	require.Equal(t, "b", all[1].ID)
	require.Equal(t, "a", all[2].ID)

	manual, err := d.ListRecentSessions(ctx, 10, 0, FilterManualOnly)
	require.NoError(t, err)
	require.Len(t, manual, 2)

	auto, err := d.ListRecentSessions(ctx, 10, 0, FilterAutomaticOnly)
	require.NoError(t, err)
	require.Len(t, auto, 1)
	require.Equal(t, "b", auto[0].ID)

	_, err = d.HideSession("b")
	require.NoError(t, err)
	all, err = d.ListRecentSessions(ctx, 10, 0, FilterAll)
	require.NoError(t, err)
	require.Len(t, all, 2)

	// Hidden sessions stay reachable by direct lookup.
	s, err := d.GetSession(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, s)
	require.True(t, s.IsHidden)
}

func TestListLimitClamping(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	sessions, err := d.ListRecentSessions(ctx, 5000, -3, FilterAll)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestMessagesUntimedSortLast(t *testing.T) {
	d := testDB(t)
	require.NoError(t, d.IndexSession(SessionRecord{
		Session: Session{ID: "abc", Project: "demo", LastIndexed: 1},
		Messages: []Message{
			{UUID: "m-untimed", Role: "user", Content: "no clock"},
			{UUID: "m-timed", Role: "assistant", Content: "clocked",
				Timestamp: i64(1000)},
		},
	}))

	msgs, err := d.GetMessagesBySessionID(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "m-timed", msgs[0].UUID)
	require.Equal(t, "m-untimed", msgs[1].UUID,
		"messages without timestamps sort last")
}

func TestSearchMessages(t *testing.T) {
	d := testDB(t)
	requireFTS(t, d)
	ctx := context.Background()
	require.NoError(t, d.IndexSession(testRecord("abc", false)))

	hits, err := d.SearchMessages(
		ctx, "react*", 50, 0, SortRelevance, false,
	)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "abc", hits[0].SessionID)
	require.Contains(
		t, hits[0].Message.HighlightedContent, "<mark>React</mark>",
	)

	// Hidden sessions never match.
	_, err = d.HideSession("abc")
	require.NoError(t, err)
	hits, err = d.SearchMessages(
		ctx, "react*", 50, 0, SortRelevance, false,
	)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestSearchAutomaticOnly(t *testing.T) {
	d := testDB(t)
	requireFTS(t, d)
	ctx := context.Background()
	require.NoError(t, d.IndexSession(testRecord("manual", false)))
	require.NoError(t, d.IndexSession(testRecord("auto", true)))

	hits, err := d.SearchMessages(ctx, "react*", 50, 0, SortDate, true)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "auto", hits[0].SessionID)
	require.True(t, hits[0].IsAutomatic)
}

func TestSearchSortDate(t *testing.T) {
	d := testDB(t)
	requireFTS(t, d)
	ctx := context.Background()
	old := testRecord("old", false)
	old.Session.StartedAt = i64(1000)
	recent := testRecord("new", false)
	recent.Session.StartedAt = i64(9000)
	require.NoError(t, d.IndexSession(old))
	require.NoError(t, d.IndexSession(recent))

	hits, err := d.SearchMessages(ctx, "react*", 50, 0, SortDate, false)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "new", hits[0].SessionID)
	require.Equal(t, "old", hits[1].SessionID)
}

func TestSearchInvalidQuery(t *testing.T) {
	d := testDB(t)
	requireFTS(t, d)
	_, err := d.SearchMessages(
		context.Background(), `"unterminated`, 50, 0, SortRelevance, false,
	)
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestSearchWithoutFTS(t *testing.T) {
	d := testDB(t)
	if d.HasFTS() {
		t.Skip("fts5 available in this build")
	}
	// The store still opens and indexes; search reports a clear
	// unavailability error instead of failing at startup.
	require.NoError(t, d.IndexSession(testRecord("abc", false)))
	_, err := d.SearchMessages(
		context.Background(), "react*", 50, 0, SortRelevance, false,
	)
	require.ErrorIs(t, err, ErrSearchUnavailable)
}

func TestHeartbeatStateRoundtrip(t *testing.T) {
	d := testDB(t)

	hs, err := d.GetHeartbeatState("AB#123")
	require.NoError(t, err)
	require.Nil(t, hs)

	require.NoError(t, d.SetHeartbeatState(HeartbeatState{
		Key:           "AB#123",
		LastChanged:   "2026-08-20T10:00:00Z",
		LastProcessed: 1000,
	}))
	require.NoError(t, d.SetHeartbeatState(HeartbeatState{
		Key:           "AB#123",
		LastChanged:   "2026-08-21T10:00:00Z",
		LastProcessed: 2000,
	}))
	require.NoError(t, d.SetHeartbeatState(HeartbeatState{
		Key:           "AB#99",
		LastChanged:   "2026-08-19T10:00:00Z",
		LastProcessed: 500,
	}))

	hs, err = d.GetHeartbeatState("AB#123")
	require.NoError(t, err)
	require.NotNil(t, hs)
	require.Equal(t, "2026-08-21T10:00:00Z", hs.LastChanged)
	require.Equal(t, int64(2000), hs.LastProcessed)

	states, err := d.ListHeartbeatStates()
	require.NoError(t, err)
	require.Len(t, states, 2)
	require.Equal(t, "AB#123", states[0].Key)
}

func TestGetStats(t *testing.T) {
	d := testDB(t)
	require.NoError(t, d.IndexSession(testRecord("a", false)))
	require.NoError(t, d.IndexSession(testRecord("b", false)))
	_, err := d.HideSession("b")
	require.NoError(t, err)

	stats, err := d.GetStats()
	require.NoError(t, err)
	require.Equal(t, 2, stats.SessionCount)
	require.Equal(t, 1, stats.HiddenSessions)
	require.Equal(t, 4, stats.MessageCount)
	require.Greater(t, stats.DBSizeBytes, int64(0))
}
