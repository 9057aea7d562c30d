package cdc

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/themisdb/themisdb/pkg/kv"
)

func openTestDB(t *testing.T) *kv.DB {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendMonotonicAndQueryResume(t *testing.T) {
	db := openTestDB(t)
	l := New(db)

	var last Event
	for i := 0; i < 10; i++ {
		ev, err := l.Append(EventPut, "users:alice", nil, nil)
		require.NoError(t, err)
		last = ev
	}
	require.EqualValues(t, 10, last.Sequence)

	events, err := l.Query(context.Background(), 5, 0, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		require.EqualValues(t, 6+i, ev.Sequence)
	}
}

func TestQueryKeyPrefixFilter(t *testing.T) {
	db := openTestDB(t)
	l := New(db)
	_, err := l.Append(EventPut, "users:alice", nil, nil)
	require.NoError(t, err)
	_, err = l.Append(EventPut, "orders:1", nil, nil)
	require.NoError(t, err)

	events, err := l.Query(context.Background(), 0, 0, "users:", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "users:alice", events[0].Key)
}

func TestRetentionDeletesOldEvents(t *testing.T) {
	db := openTestDB(t)
	l := New(db)
	for i := 0; i < 5; i++ {
		_, err := l.Append(EventPut, "k", nil, nil)
		require.NoError(t, err)
	}
	n, err := l.Retention(3)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	events, err := l.Query(context.Background(), 0, 0, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
}

func TestStreamReplaysBacklogThenLiveEvents(t *testing.T) {
	db := openTestDB(t)
	l := New(db)
	_, err := l.Append(EventPut, "k1", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		_ = l.Stream(ctx, &buf, StreamOptions{FromSeq: 0, HeartbeatInterval: 50 * time.Millisecond})
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	_, err = l.Append(EventPut, "k2", nil, nil)
	require.NoError(t, err)

	<-done
	out := buf.String()
	require.True(t, strings.Contains(out, `"key":"k1"`))
	require.True(t, strings.Contains(out, `"key":"k2"`))
	require.True(t, strings.Contains(out, ": heartbeat"))
}

func TestSubscriberDropsOldestOnOverflow(t *testing.T) {
	sub := newSubscriber("test", 2)
	sub.push(Event{Sequence: 1})
	sub.push(Event{Sequence: 2})
	sub.push(Event{Sequence: 3})
	require.EqualValues(t, 1, sub.droppedCount())

	ev, ok, err := sub.pop(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, ev.Sequence)
}
