package chat_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/chat"
)

// tiedClock hands out timestamps where every group of three calls shares the
// same instant, forcing the id tie-break.
func tiedClock() func() time.Time {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		t := base.Add(time.Duration(n/3) * time.Microsecond)
		n++
		return t
	}
}

func collect(t *testing.T, f *fixture, convID string, limit int) []*chat.Message {
	t.Helper()
	var (
		all    []*chat.Message
		cursor string
	)
	for i := 0; i < 100; i++ {
		page, err := f.pager.ListMessages(context.Background(), convID, limit, cursor)
		require.NoError(t, err)
		all = append(all, page.Messages...)
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			return all
		}
		require.NotEmpty(t, page.NextCursor)
		cursor = page.NextCursor
	}
	t.Fatal("pagination did not terminate")
	return nil
}

func assertStrictlyDescending(t *testing.T, msgs []*chat.Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].Before(msgs[i-1]), "row %d is not older than row %d", i, i-1)
	}
}

func TestListMessagesCompleteness(t *testing.T) {
	f := newFixture()
	f.store.Now = tiedClock()
	conv, a, b := f.direct(t)

	const n = 25
	want := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		sender := a
		if i%2 == 1 {
			sender = b
		}
		ack := f.send(t, conv.ID, sender, fmt.Sprintf("m%d", i))
		want[ack.MessageID] = true
	}

	for _, limit := range []int{1, 4, 7, 25, 30} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			got := collect(t, f, conv.ID, limit)
			require.Len(t, got, n)
			seen := make(map[string]bool)
			for _, m := range got {
				assert.True(t, want[m.ID])
				assert.False(t, seen[m.ID], "duplicate %s", m.ID)
				seen[m.ID] = true
			}
			assertStrictlyDescending(t, got)
		})
	}
}

func TestListMessagesOverFetch(t *testing.T) {
	f := newFixture()
	conv, a, _ := f.direct(t)
	for i := 0; i < 3; i++ {
		f.send(t, conv.ID, a, "x")
	}

	page, err := f.pager.ListMessages(context.Background(), conv.ID, 3, "")
	require.NoError(t, err)
	assert.Len(t, page.Messages, 3)
	assert.False(t, page.HasMore)

	page, err = f.pager.ListMessages(context.Background(), conv.ID, 2, "")
	require.NoError(t, err)
	assert.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)

	c := chat.DecodeCursor(page.NextCursor)
	require.NotNil(t, c)
	assert.Equal(t, page.Messages[1].ID, c.ID, "cursor is built from the last returned row")
}

func TestListMessagesDeletedRowsKeepContinuity(t *testing.T) {
	f := newFixture()
	f.store.Now = tiedClock()
	conv, a, _ := f.direct(t)

	for i := 0; i < 12; i++ {
		f.send(t, conv.ID, a, fmt.Sprintf("m%d", i))
	}

	first, err := f.pager.ListMessages(context.Background(), conv.ID, 4, "")
	require.NoError(t, err)
	require.True(t, first.HasMore)
	second, err := f.pager.ListMessages(context.Background(), conv.ID, 4, first.NextCursor)
	require.NoError(t, err)

	// Delete the row the cursor points at and the row right after it.
	boundary := first.Messages[3].ID
	next := second.Messages[0].ID
	_, err = f.pipeline.Delete(context.Background(), a, boundary)
	require.NoError(t, err)
	_, err = f.pipeline.Delete(context.Background(), a, next)
	require.NoError(t, err)

	var rest []*chat.Message
	cursor := first.NextCursor
	for {
		page, err := f.pager.ListMessages(context.Background(), conv.ID, 4, cursor)
		require.NoError(t, err)
		rest = append(rest, page.Messages...)
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	all := append(first.Messages[:3:3], rest...)
	assert.Len(t, all, 10)
	seen := make(map[string]bool)
	for _, m := range all {
		assert.NotEqual(t, next, m.ID)
		assert.False(t, seen[m.ID])
		seen[m.ID] = true
	}
	assertStrictlyDescending(t, all)
}

func TestListMessagesMalformedCursorStartsFromNewest(t *testing.T) {
	f := newFixture()
	conv, a, _ := f.direct(t)
	var last *chat.Ack
	for i := 0; i < 5; i++ {
		last = f.send(t, conv.ID, a, "x")
	}

	cursors := []string{
		"not-base64!!",
		base64.URLEncoding.EncodeToString([]byte("{not json")),
		base64.URLEncoding.EncodeToString([]byte(`{"t":"2026-01-01T00:00:00Z","id":"not-a-uuid"}`)),
		base64.URLEncoding.EncodeToString([]byte(`{"id":"0190a4a2-0000-7000-8000-000000000000"}`)),
	}
	for _, c := range cursors {
		page, err := f.pager.ListMessages(context.Background(), conv.ID, 2, c)
		require.NoError(t, err)
		require.Len(t, page.Messages, 2)
		assert.Equal(t, last.MessageID, page.Messages[0].ID)
		assert.True(t, page.HasMore)
	}
}

func TestListMessagesClampsLimit(t *testing.T) {
	f := newFixture()
	conv, a, _ := f.direct(t)
	for i := 0; i < chat.MaxPageSize+5; i++ {
		f.send(t, conv.ID, a, "x")
	}

	page, err := f.pager.ListMessages(context.Background(), conv.ID, 10_000, "")
	require.NoError(t, err)
	assert.Len(t, page.Messages, chat.MaxPageSize)

	page, err = f.pager.ListMessages(context.Background(), conv.ID, 0, "")
	require.NoError(t, err)
	assert.Len(t, page.Messages, chat.DefaultPageSize)
}

func TestCursorRoundTrip(t *testing.T) {
	c := chat.Cursor{CreatedAt: time.Date(2026, 3, 4, 5, 6, 7, 891011000, time.UTC), ID: "0190a4a2-0000-7000-8000-000000000001"}
	got := chat.DecodeCursor(chat.EncodeCursor(c))
	require.NotNil(t, got)
	assert.True(t, c.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, c.ID, got.ID)
}
