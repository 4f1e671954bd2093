package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeHasher struct{}

func (fakeHasher) Hash(data []byte) (string, error) {
	return "h:" + string(data), nil
}

func testMessage(payload string) Message {
	return Message{
		Payload: []byte(payload),
		Offset: OffsetToken{
			Topic:     "tasks",
			Partition: 2,
			Offset:    41,
		},
		Timestamp: time.Unix(1700000000, 0),
	}
}

func TestDecoder_ValidTask(t *testing.T) {
	t.Parallel()

	dec := NewDecoder(fakeHasher{})
	task, err := dec.Decode(testMessage(`{"id":"t-1","url":"https://example.com/a","priority":3}`))
	require.NoError(t, err)
	require.Equal(t, "t-1", task.ID)
	require.Equal(t, "https://example.com/a", task.URL)
	require.Equal(t, 3, task.Priority)
	require.Equal(t, int32(2), task.Offset.Partition)
	require.Equal(t, int64(41), task.Offset.Offset)
}

func TestDecoder_SynthesizesAbsentID(t *testing.T) {
	t.Parallel()

	dec := NewDecoder(fakeHasher{})
	first, err := dec.Decode(testMessage(`{"url":"https://example.com"}`))
	require.NoError(t, err)
	require.Equal(t, "h:tasks/2/41", first.ID)

	// Redelivery of the same physical message yields the same id.
	again, err := dec.Decode(testMessage(`{"url":"https://example.com"}`))
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	other := testMessage(`{"url":"https://example.com"}`)
	other.Offset.Offset = 42
	third, err := dec.Decode(other)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, third.ID)
}

func TestDecoder_NullIDTreatedAsAbsent(t *testing.T) {
	t.Parallel()

	dec := NewDecoder(fakeHasher{})
	task, err := dec.Decode(testMessage(`{"id":null,"url":"https://example.com"}`))
	require.NoError(t, err)
	require.Equal(t, "h:tasks/2/41", task.ID)
}

func TestDecoder_MalformedJSON(t *testing.T) {
	t.Parallel()

	dec := NewDecoder(fakeHasher{})
	_, err := dec.Decode(testMessage(`{"url": "https://example.com"`))
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
}

func TestDecoder_MissingURL(t *testing.T) {
	t.Parallel()

	dec := NewDecoder(fakeHasher{})
	_, err := dec.Decode(testMessage(`{"id":"t-2"}`))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "url", ve.Field)
}

func TestDecoder_RelativeURL(t *testing.T) {
	t.Parallel()

	dec := NewDecoder(fakeHasher{})
	_, err := dec.Decode(testMessage(`{"url":"/just/a/path"}`))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "url", ve.Field)
}

func TestDecoder_NonStringID(t *testing.T) {
	t.Parallel()

	dec := NewDecoder(fakeHasher{})
	_, err := dec.Decode(testMessage(`{"id":17,"url":"https://example.com"}`))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "id", ve.Field)
}
