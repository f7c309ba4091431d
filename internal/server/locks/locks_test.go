package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

const org = models.OrganizationID("Org")

func TestCanonicalizeOrderAndMerge(t *testing.T) {
	r1 := models.RealmID("aaaaaaaa-0000-0000-0000-000000000000")
	r2 := models.RealmID("bbbbbbbb-0000-0000-0000-000000000000")

	reqs := Canonicalize([]Request{
		Write(Realm(r2)),
		Read(Realm(r1)),
		Read(Common()),
		Write(Common()), // merged with the read, exclusive wins
		Read(Sequester()),
	})

	require.Equal(t, []Request{
		Write(Common()),
		Read(Sequester()),
		Read(Realm(r1)),
		Write(Realm(r2)),
	}, reqs)
}

func TestSharedLocksCoexist(t *testing.T) {
	r := NewRegistry(nil)

	g1, err := r.Acquire(context.Background(), nil, org, []Request{Read(Common())})
	require.NoError(t, err)
	g2, err := r.Acquire(context.Background(), nil, org, []Request{Read(Common())})
	require.NoError(t, err)
	g1.Release()
	g2.Release()
}

func TestExclusiveBlocksUntilRelease(t *testing.T) {
	r := NewRegistry(nil)

	g1, err := r.Acquire(context.Background(), nil, org, []Request{Write(Common())})
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		g2, err := r.Acquire(context.Background(), nil, org, []Request{Read(Common())})
		require.NoError(t, err)
		close(acquired)
		g2.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("read lock acquired while write lock held")
	case <-time.After(20 * time.Millisecond):
	}

	g1.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("read lock not acquired after release")
	}
}

func TestAcquireRespectsCancellation(t *testing.T) {
	r := NewRegistry(nil)

	g, err := r.Acquire(context.Background(), nil, org, []Request{Write(Common())})
	require.NoError(t, err)
	defer g.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Acquire(ctx, nil, org, []Request{Write(Common())})
		done <- err
	}()
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
}

func TestDistinctOrganizationsDoNotContend(t *testing.T) {
	r := NewRegistry(nil)

	g1, err := r.Acquire(context.Background(), nil, "OrgA", []Request{Write(Common())})
	require.NoError(t, err)
	defer g1.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	g2, err := r.Acquire(ctx, nil, "OrgB", []Request{Write(Common())})
	require.NoError(t, err)
	g2.Release()
}

func TestConcurrentWritersSerialize(t *testing.T) {
	r := NewRegistry(nil)
	realm := models.RealmID("cccccccc-0000-0000-0000-000000000000")

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := r.Acquire(context.Background(), nil, org, []Request{
				Read(Common()), Write(Realm(realm)),
			})
			require.NoError(t, err)
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			g.Release()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxInside, "realm write lock must serialize writers")
}

func TestGuardReleaseIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	g, err := r.Acquire(context.Background(), nil, org, []Request{Write(Common())})
	require.NoError(t, err)
	g.Release()
	g.Release()

	g2, err := r.Acquire(context.Background(), nil, org, []Request{Write(Common())})
	require.NoError(t, err)
	g2.Release()
}
