package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hms/opd/internal/platform/db"
)

func newTestPublisher(t *testing.T) (*RedisPublisher, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisPublisher(client, "opd.test.events", zerolog.Nop()), client, mr
}

func TestRedisPublisher_PublishDelivers(t *testing.T) {
	pub, client, _ := newTestPublisher(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "opd.test.events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	bookingID := uuid.New()
	evt := NewEvent(BookingCreated, bookingID)
	evt.Attributes = map[string]string{"slot_number": "3"}
	require.NoError(t, pub.Publish(ctx, evt))

	select {
	case msg := <-sub.Channel():
		var got Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, BookingCreated, got.Type)
		assert.Equal(t, bookingID, got.SubjectID)
		assert.Equal(t, "3", got.Attributes["slot_number"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestRedisPublisher_BacklogIsCapped(t *testing.T) {
	pub, _, mr := newTestPublisher(t)
	pub.backlog = 3
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, pub.Publish(ctx, NewEvent(BookingConfirmed, uuid.New())))
	}

	list, err := mr.List(pub.BacklogKey())
	require.NoError(t, err)
	assert.Len(t, list, 3)

	recent, err := pub.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestRedisPublisher_Ping(t *testing.T) {
	pub, _, mr := newTestPublisher(t)
	assert.NoError(t, pub.Ping(context.Background()))

	mr.Close()
	assert.Error(t, pub.Ping(context.Background()))
}

type recordingPublisher struct {
	events []Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, evt Event) error {
	r.events = append(r.events, evt)
	return r.err
}

func TestEmit_FillsTenantAndSwallowsErrors(t *testing.T) {
	rec := &recordingPublisher{err: errors.New("broker down")}
	ctx := context.WithValue(context.Background(), db.TenantIDKey, "citycare")

	assert.NotPanics(t, func() {
		Emit(ctx, rec, zerolog.Nop(), NewEvent(BookingCancelled, uuid.New()))
	})
	require.Len(t, rec.events, 1)
	assert.Equal(t, "citycare", rec.events[0].TenantID)
}

func TestEmit_NilPublisher(t *testing.T) {
	assert.NotPanics(t, func() {
		Emit(context.Background(), nil, zerolog.Nop(), NewEvent(BookingNoShow, uuid.New()))
	})
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), NewEvent(BookingCreated, uuid.New())))
}

func TestNewRedisClient_BadURL(t *testing.T) {
	_, err := NewRedisClient("not a url")
	assert.Error(t, err)
}
