package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msglog/pkg/record"
)

func TestStore_SaveAssignsID(t *testing.T) {
	s := NewStore()
	m := &record.Message{QueryID: "q1"}
	require.NoError(t, s.Save(context.Background(), m))
	assert.NotEmpty(t, m.ID)

	got, ok := s.Get(m.ID)
	require.True(t, ok)
	assert.Equal(t, "q1", got.QueryID)
}

func TestStore_SetTimestampOnce(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	a := &record.Message{QueryID: "q1"}
	b := &record.Message{QueryID: "q1"}
	require.NoError(t, s.Save(ctx, a))
	require.NoError(t, s.Save(ctx, b))

	ts := &record.Timestamp{ID: "ts1", Token: []byte{1}}
	require.NoError(t, s.SetTimestamp(ctx, []string{a.ID}, ts))

	err := s.SetTimestamp(ctx, []string{b.ID, a.ID}, &record.Timestamp{ID: "ts2"})
	assert.ErrorIs(t, err, record.ErrAlreadyTimestamped)

	got, _ := s.Get(b.ID)
	assert.Nil(t, got.Timestamp, "failed update must not touch other records")

	assert.ErrorIs(t, s.SetTimestamp(ctx, []string{"missing"}, ts), record.ErrNotFound)
}

func TestStore_FindByQueryID(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(ctx, &record.Message{QueryID: "q1", Response: true, Time: base.Add(time.Second)}))
	require.NoError(t, s.Save(ctx, &record.Message{QueryID: "q1", Time: base}))
	require.NoError(t, s.Save(ctx, &record.Message{QueryID: "q2", Time: base}))

	all, err := s.FindByQueryID(ctx, "q1", record.All)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.False(t, all[0].Response)
	assert.True(t, all[1].Response)

	responses, err := s.FindByQueryID(ctx, "q1", record.Responses)
	require.NoError(t, err)
	assert.Len(t, responses, 1)

	requests, err := s.FindByQueryID(ctx, "q1", record.Requests)
	require.NoError(t, err)
	assert.Len(t, requests, 1)
}

func TestStore_FindArchivable(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 4; i++ {
		m := &record.Message{QueryID: "q", Time: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, s.Save(ctx, m))
		ids = append(ids, m.ID)
	}
	require.NoError(t, s.SetTimestamp(ctx, ids[:3], &record.Timestamp{ID: "ts"}))
	require.NoError(t, s.MarkArchived(ctx, ids[:1]))

	found, err := s.FindArchivable(ctx, 0)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, ids[1], found[0].ID)
	assert.Equal(t, ids[2], found[1].ID)

	limited, err := s.FindArchivable(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, s.MarkArchived(ctx, []string{"unknown"}))
}
