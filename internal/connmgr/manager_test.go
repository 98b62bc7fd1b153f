package connmgr

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dmitrijs2005/glaciermpu/internal/archive"
	"github.com/dmitrijs2005/glaciermpu/internal/archive/memstore"
	"github.com/dmitrijs2005/glaciermpu/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFactory struct {
	store  *memstore.Store
	mu     sync.Mutex
	built  []archive.Client
	failOn int
}

func (f *countingFactory) build(ctx context.Context) (archive.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn > 0 && len(f.built)+1 == f.failOn {
		return nil, errors.New("no credentials")
	}
	h := f.store.Handle()
	f.built = append(f.built, h)
	return h, nil
}

func TestBorrow_LazyAndShared(t *testing.T) {
	f := &countingFactory{store: memstore.New()}
	m := New(f.build, 60, nil)

	assert.Empty(t, f.built, "nothing built before first borrow")

	a, err := m.Borrow(context.Background())
	require.NoError(t, err)
	b, err := m.Borrow(context.Background())
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, Stats{Builds: 1, Borrows: 2}, m.Stats())
}

func TestBorrow_RecyclesAfterLife(t *testing.T) {
	f := &countingFactory{store: memstore.New()}
	m := New(f.build, 3, nil)
	ctx := context.Background()

	var handles []archive.Client
	for i := 0; i < 7; i++ {
		c, err := m.Borrow(ctx)
		require.NoError(t, err)
		handles = append(handles, c)
	}

	assert.Len(t, f.built, 3)
	assert.Same(t, handles[0], handles[2])
	assert.NotSame(t, handles[2], handles[3])
	assert.Same(t, handles[3], handles[5])
	assert.NotSame(t, handles[5], handles[6])
	assert.Equal(t, 2, f.store.Closes(), "retired handles are closed once")
	assert.Equal(t, Stats{Builds: 3, Borrows: 7, Retired: 2}, m.Stats())
}

func TestBorrow_ZeroLifeNeverRecycles(t *testing.T) {
	f := &countingFactory{store: memstore.New()}
	m := New(f.build, 0, nil)
	for i := 0; i < 100; i++ {
		_, err := m.Borrow(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, f.built, 1)
}

func TestBorrow_FactoryErrorIsRetriedNextTime(t *testing.T) {
	f := &countingFactory{store: memstore.New(), failOn: 1}
	m := New(f.build, 10, nil)

	_, err := m.Borrow(context.Background())
	require.Error(t, err)

	f.failOn = 0
	c, err := m.Borrow(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestShutdown(t *testing.T) {
	f := &countingFactory{store: memstore.New()}
	m := New(f.build, 10, nil)

	require.NoError(t, m.Shutdown(), "shutdown before any borrow")

	m = New(f.build, 10, nil)
	_, err := m.Borrow(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Shutdown())
	assert.Equal(t, 1, f.store.Closes())

	_, err = m.Borrow(context.Background())
	assert.ErrorIs(t, err, common.ErrShutdown)
}

func TestBorrow_Concurrent(t *testing.T) {
	f := &countingFactory{store: memstore.New()}
	m := New(f.build, 5, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Do(context.Background(), func(c archive.Client) error {
				if c == nil {
					return errors.New("nil client")
				}
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, m.Stats().Borrows)
	assert.Len(t, f.built, 10)
}
