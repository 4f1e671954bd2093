package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagesink/pagesink/internal/pipeline"
)

func TestSource_PublishAssignsPerPartitionOffsets(t *testing.T) {
	t.Parallel()

	src := NewSource("tasks", 10)
	ctx := context.Background()

	off0, err := src.Publish(ctx, 0, []byte(`a`))
	require.NoError(t, err)
	off1, err := src.Publish(ctx, 0, []byte(`b`))
	require.NoError(t, err)
	other, err := src.Publish(ctx, 1, []byte(`c`))
	require.NoError(t, err)

	require.Equal(t, int64(0), off0)
	require.Equal(t, int64(1), off1)
	require.Equal(t, int64(0), other)
}

func TestSource_PollDrainsBatch(t *testing.T) {
	t.Parallel()

	src := NewSource("tasks", 10)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := src.Publish(ctx, 0, []byte{byte('a' + i)})
		require.NoError(t, err)
	}

	batch, err := src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.Equal(t, "tasks", batch[0].Offset.Topic)
	require.Equal(t, int64(2), batch[2].Offset.Offset)
}

func TestSource_PollRespectsContext(t *testing.T) {
	t.Parallel()

	src := NewSource("tasks", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := src.Poll(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSource_CommitIsMonotonic(t *testing.T) {
	t.Parallel()

	src := NewSource("tasks", 1)
	ctx := context.Background()

	require.Equal(t, int64(-1), src.Committed(0))
	require.NoError(t, src.Commit(ctx, pipeline.OffsetToken{Partition: 0, Offset: 5}))
	require.NoError(t, src.Commit(ctx, pipeline.OffsetToken{Partition: 0, Offset: 3}))
	require.Equal(t, int64(5), src.Committed(0))
	require.Equal(t, int64(-1), src.Committed(1))
}

func TestSource_CloseDrainsThenReportsClosed(t *testing.T) {
	t.Parallel()

	src := NewSource("tasks", 10)
	ctx := context.Background()
	_, err := src.Publish(ctx, 0, []byte(`a`))
	require.NoError(t, err)
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	batch, err := src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	_, err = src.Poll(ctx)
	require.ErrorIs(t, err, pipeline.ErrSourceClosed)

	_, err = src.Publish(ctx, 0, []byte(`b`))
	require.ErrorIs(t, err, pipeline.ErrSourceClosed)
}
