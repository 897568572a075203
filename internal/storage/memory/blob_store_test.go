package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "receipts/r1.json", "application/json", bytes.NewBufferString(`{"ok":true}`))
	require.NoError(t, err)
	require.Equal(t, "memory://receipts/r1.json", uri)

	obj, ok := store.Object("receipts/r1.json")
	require.True(t, ok)
	require.Equal(t, "application/json", obj.ContentType)
	require.JSONEq(t, `{"ok":true}`, string(obj.Data))

	obj.Data[0] = 'X'
	again, _ := store.Object("receipts/r1.json")
	require.Equal(t, byte('{'), again.Data[0])

	_, ok = store.Object("missing")
	require.False(t, ok)
}

func TestBlobStoreRejectsBadInput(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.PutObject(context.Background(), "", "", bytes.NewBufferString("x"))
	require.Error(t, err)
	_, err = store.PutObject(context.Background(), "p", "", failingReader{})
	require.ErrorContains(t, err, "read object data")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("broken") }
