package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsJSON(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "events", map[string]string{"url": "https://a.example"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "audit", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	all := pub.Messages()
	require.Len(t, all, 2)
	assert.JSONEq(t, `{"url":"https://a.example"}`, string(all[0].Data))

	events := pub.Messages("events")
	require.Len(t, events, 1)
	var got map[string]string
	require.NoError(t, events[0].Decode(&got))
	assert.Equal(t, "https://a.example", got["url"])

	all[0].Topic = "modified"
	assert.Equal(t, "events", pub.Messages()[0].Topic, "Messages returns a copy")
}

func TestPublisherRejectsUnencodable(t *testing.T) {
	t.Parallel()

	_, err := New().Publish(context.Background(), "events", make(chan int))
	assert.Error(t, err)
	assert.Empty(t, New().Messages())
}
