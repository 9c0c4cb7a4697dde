package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
)

func newFakeClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.CreateTopic(ctx, "wallpapers")
	require.NoError(t, err)
	return client, srv
}

func TestPublishSendsJSONEvent(t *testing.T) {
	t.Parallel()

	client, srv := newFakeClient(t)
	pub := NewWithClient(client, "wallpapers")
	t.Cleanup(func() { _ = pub.Close() })

	event := crawler.CommitEvent{
		RunID:       "run-1",
		ID:          42,
		Hash:        "abc",
		RelPath:     "wallpapers/ab/c/abc/alphaWallhaven-42.jpg",
		Purity:      "SFW",
		Tags:        []int64{1, 2},
		CommittedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	id, err := pub.Publish(context.Background(), "ignored", event)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got crawler.CommitEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, event, got)
}

func TestPublishRejectsUnmarshalablePayload(t *testing.T) {
	t.Parallel()

	client, _ := newFakeClient(t)
	pub := NewWithClient(client, "wallpapers")
	t.Cleanup(func() { _ = pub.Close() })

	_, err := pub.Publish(context.Background(), "", make(chan int))
	require.Error(t, err)
}

func TestPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	var pub *Publisher
	_, err := pub.Publish(context.Background(), "", 1)
	require.Error(t, err)
}

func TestNewRequiresProjectAndTopic(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), "", "topic")
	require.Error(t, err)
	_, err = New(context.Background(), "project", "")
	require.Error(t, err)
}

func TestCarrierKeys(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	assert.Equal(t, "00-abc", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
}
