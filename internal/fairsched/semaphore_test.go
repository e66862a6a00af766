package fairsched

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSemaphore_TryAcquireRespectsCapacity(t *testing.T) {
	s := NewSemaphore(2)

	r1 := s.TryAcquire()
	require.NotNil(t, r1)
	r2 := s.TryAcquire()
	require.NotNil(t, r2)
	r3 := s.TryAcquire()
	require.Nil(t, r3)

	require.Equal(t, 0, s.Available())
	r1()
	require.Equal(t, 1, s.Available())
}

func TestSemaphore_ReleaseIsIdempotent(t *testing.T) {
	s := NewSemaphore(1)
	r := s.TryAcquire()
	require.NotNil(t, r)

	r()
	r()
	r()

	require.Equal(t, 1, s.Available())
}

func TestSemaphore_AcquireParksThenWakesOnRelease(t *testing.T) {
	s := NewSemaphore(1)
	first := s.TryAcquire()
	require.NotNil(t, first)

	acquired := make(chan struct{})
	go func() {
		rel, err := s.Acquire(context.Background())
		require.NoError(t, err)
		require.NotNil(t, rel)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should have blocked while permit is held")
	case <-time.After(20 * time.Millisecond):
	}

	first()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquire should have unblocked after release")
	}
}

func TestSemaphore_AcquireCancellationDoesNotConsumePermit(t *testing.T) {
	s := NewSemaphore(1)
	first := s.TryAcquire()
	require.NotNil(t, first)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrAcquireCanceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire never returned")
	}

	first()
	second := s.TryAcquire()
	require.NotNil(t, second, "permit freed by release must still be acquirable after a cancelled waiter")
}

func TestSemaphore_FIFOOrderAmongWaiters(t *testing.T) {
	s := NewSemaphore(1)
	first := s.TryAcquire()
	require.NotNil(t, first)

	order := make(chan int, 2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			rel, err := s.Acquire(context.Background())
			require.NoError(t, err)
			order <- i
			time.Sleep(5 * time.Millisecond)
			rel()
		}()
		time.Sleep(10 * time.Millisecond) // ensure registration order
	}

	first()

	got1 := <-order
	got2 := <-order
	require.Equal(t, 0, got1)
	require.Equal(t, 1, got2)
}
