package storesync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackendVersionsAreMonotonic(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, EntityProduct, Entity{ID: "a", Payload: []byte(`{}`)}))
	require.NoError(t, b.Insert(ctx, EntityProduct, Entity{ID: "b", Payload: []byte(`{}`)}))
	require.NoError(t, b.Update(ctx, EntityProduct, "a", []byte(`{"x":1}`)))

	rows, err := b.Select(ctx, EntityProduct, Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].ID)
	assert.Greater(t, rows[0].Version, rows[1].Version, "the updated row must carry the newest version")
}

func TestMemoryBackendDuplicateInsertFails(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, EntityProduct, Entity{ID: "a", Payload: []byte(`{}`)}))
	assert.Error(t, b.Insert(ctx, EntityProduct, Entity{ID: "a", Payload: []byte(`{}`)}))
}

func TestMemoryBackendUpdateMergesPatch(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, EntityProduct, Entity{ID: "a", Payload: []byte(`{"name":"mug","stock":5}`)}))
	require.NoError(t, b.Update(ctx, EntityProduct, "a", []byte(`{"stock":4}`)))

	rows, err := b.Select(ctx, EntityProduct, Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"name":"mug","stock":4}`, string(rows[0].Payload))
}

func TestMemoryBackendUpdateMissingRowFails(t *testing.T) {
	b := NewMemoryBackend()
	assert.Error(t, b.Update(context.Background(), EntityProduct, "nope", []byte(`{}`)))
	assert.Error(t, b.Delete(context.Background(), EntityProduct, "nope"))
}

func TestMemoryBackendChannelReceivesScopedEvents(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	ch, err := b.OpenChannel(ctx, EntityCartItem, Filter{Column: "user_id", Value: "u-1"})
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, b.Insert(ctx, EntityCartItem, Entity{ID: "mine", Payload: []byte(`{"user_id":"u-1"}`)}))
	require.NoError(t, b.Insert(ctx, EntityCartItem, Entity{ID: "theirs", Payload: []byte(`{"user_id":"u-2"}`)}))

	select {
	case ev := <-ch.Events():
		assert.Equal(t, "mine", ev.TargetID())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case ev, ok := <-ch.Events():
		if ok {
			t.Fatalf("unexpected event for %s", ev.TargetID())
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBackendDropChannelsReportsError(t *testing.T) {
	b := NewMemoryBackend()

	ch, err := b.OpenChannel(context.Background(), EntityProduct, Filter{})
	require.NoError(t, err)

	b.DropChannels()

	_, ok := <-ch.Events()
	assert.False(t, ok, "dropped channel must close its event stream")
	assert.ErrorIs(t, ch.Err(), ErrChannelDropped)
}

func TestMergePatchRejectsNonObjects(t *testing.T) {
	_, err := mergePatch([]byte(`{"a":1}`), []byte(`[1,2]`))
	assert.Error(t, err)

	_, err = mergePatch([]byte(`"scalar"`), []byte(`{"a":1}`))
	assert.Error(t, err)

	merged, err := mergePatch(nil, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(merged))
}
