package sequencer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSequencer_RunsCommandsOneAtATime(t *testing.T) {
	s := New(8)
	s.Start()
	defer s.Close()

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Do(context.Background(), func(context.Context) error {
				n := running.Add(1)
				for {
					m := maxRunning.Load()
					if n <= m || maxRunning.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxRunning.Load() != 1 {
		t.Errorf("max concurrent commands: got %d, want 1", maxRunning.Load())
	}
	submitted, executed := s.Stats()
	if submitted != 50 || executed != 50 {
		t.Errorf("stats: got (%d, %d), want (50, 50)", submitted, executed)
	}
}

func TestSequencer_PreservesArrivalOrder(t *testing.T) {
	s := New(16)

	// Queue before starting so arrival order is fixed.
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(context.Background(), func(context.Context) error {
				order = append(order, i)
				return nil
			})
		}()
		// Wait until request i is queued.
		for {
			if sub, _ := s.Stats(); sub == uint64(i+1) {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}

	s.Start()
	wg.Wait()
	s.Close()

	for i, v := range order {
		if v != i {
			t.Fatalf("order: got %v", order)
		}
	}
}

func TestSequencer_ReturnsCommandError(t *testing.T) {
	s := New(1)
	s.Start()
	defer s.Close()

	boom := errors.New("boom")
	if err := s.Do(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("got %v, want boom", err)
	}
}

func TestSequencer_RecoversPanic(t *testing.T) {
	s := New(1)
	s.Start()
	defer s.Close()

	err := s.Do(context.Background(), func(context.Context) error { panic("bad") })
	if err == nil {
		t.Fatal("expected error from panicking command")
	}

	// Worker still alive.
	if err := s.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("after panic: %v", err)
	}
}

func TestSequencer_SkipsCancelledQueuedCommand(t *testing.T) {
	s := New(4)
	s.Start()
	defer s.Close()

	release := make(chan struct{})
	blocking := make(chan struct{})
	go s.Do(context.Background(), func(context.Context) error {
		close(blocking)
		<-release
		return nil
	})
	<-blocking

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Do(ctx, func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()

	// Let the second command queue behind the first, then cancel it.
	for {
		if sub, _ := s.Stats(); sub == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	close(release)

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if ran.Load() {
		t.Error("cancelled command ran")
	}
}

func TestSequencer_Run(t *testing.T) {
	s := New(1)
	s.Start()
	defer s.Close()

	v, err := Run(context.Background(), s, func(context.Context) (uint64, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Errorf("Run: got (%d, %v), want (42, nil)", v, err)
	}
}

func TestSequencer_Closed(t *testing.T) {
	s := New(1)
	s.Start()
	s.Close()
	s.Close() // idempotent

	if err := s.Do(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestSequencer_CloseWithoutStart(t *testing.T) {
	s := New(4)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Do(context.Background(), func(context.Context) error { return nil })
	}()
	for {
		if sub, _ := s.Stats(); sub == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	s.Close()
	if err := <-errCh; !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}
