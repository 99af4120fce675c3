package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/David-Botos/endo-ingress/pkg/model"
	"github.com/David-Botos/endo-ingress/pkg/store"
)

func rec(id string, content []byte) model.ImageRecord {
	return model.ImageRecord{
		ID:          id,
		ContentHash: Hash(content).String(),
		Clinical:    model.ClinicalMetadata{Category: "polyp"},
	}
}

func TestHashIsSHA256(t *testing.T) {
	d := Hash([]byte("abc"))
	assert.Equal(t, "sha256:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", d.String())
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", d.Encoded())
}

func TestCheckAndReserve(t *testing.T) {
	ctx := context.Background()
	d := New(store.NewMemoryStore(), zaptest.NewLogger(t))

	first, err := d.CheckAndReserve(ctx, rec("img-1", []byte("canonical")))
	require.NoError(t, err)
	assert.True(t, first.Accepted)
	assert.Equal(t, "img-1", first.RecordID)

	second, err := d.CheckAndReserve(ctx, rec("img-2", []byte("canonical")))
	require.NoError(t, err)
	assert.False(t, second.Accepted)
	assert.Equal(t, "img-1", second.ExistingID)
	assert.Equal(t, first.Digest, second.Digest)

	other, err := d.CheckAndReserve(ctx, rec("img-3", []byte("different")))
	require.NoError(t, err)
	assert.True(t, other.Accepted)
}

func TestCheckAndReserveConcurrent(t *testing.T) {
	ctx := context.Background()
	d := New(store.NewMemoryStore(), zaptest.NewLogger(t))

	const uploads = 16
	results := make([]Outcome, uploads)
	var wg sync.WaitGroup
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := d.CheckAndReserve(ctx, rec(fmt.Sprintf("img-%d", i), []byte("same bytes")))
			assert.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, r := range results {
		if r.Accepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestCheckAndReserveInvalidHash(t *testing.T) {
	d := New(store.NewMemoryStore(), nil)
	_, err := d.CheckAndReserve(context.Background(), model.ImageRecord{ID: "x", ContentHash: "md5:nope"})
	assert.Error(t, err)
}

func TestCheckAndReserveReclaimsRejected(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	d := New(ms, zaptest.NewLogger(t))

	_, err := d.CheckAndReserve(ctx, rec("img-1", []byte("canonical")))
	require.NoError(t, err)
	require.NoError(t, ms.UpdateStatus(ctx, "img-1", model.StatusRejected))

	retry, err := d.CheckAndReserve(ctx, rec("img-2", []byte("canonical")))
	require.NoError(t, err)
	assert.True(t, retry.Accepted)
	assert.Equal(t, "img-1", retry.RecordID)

	got, err := ms.Get(ctx, "img-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

type failingReserver struct{ err error }

func (f failingReserver) Insert(context.Context, model.ImageRecord) (string, error) { return "", f.err }

func TestCheckAndReserveStoreFailure(t *testing.T) {
	boom := errors.New("connection reset")
	d := New(failingReserver{err: boom}, nil)

	_, err := d.CheckAndReserve(context.Background(), rec("img-1", []byte("x")))
	assert.ErrorIs(t, err, boom)

	// a conflict on another constraint is not a duplicate
	d = New(failingReserver{err: &store.ConflictError{Constraint: store.ConstraintLogEntry}}, nil)
	_, err = d.CheckAndReserve(context.Background(), rec("img-1", []byte("x")))
	assert.ErrorIs(t, err, store.ErrConflict)
}
