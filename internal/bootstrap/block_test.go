package bootstrap

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCreateElectsExactlyOneWinner(t *testing.T) {
	var block Block
	var built int32

	const n = 32
	var wg sync.WaitGroup
	winners := make([]bool, n)

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			won, err := block.Create(context.Background(), func() error {
				atomic.AddInt32(&built, 1)
				time.Sleep(time.Millisecond)
				return nil
			})
			if err != nil {
				t.Errorf("Create: %v", err)
			}
			winners[i] = won
		}(i)
	}
	wg.Wait()

	if built != 1 {
		t.Fatalf("construct ran %d times, want 1", built)
	}

	count := 0
	for _, w := range winners {
		if w {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("%d goroutines believed they were the winner, want 1", count)
	}

	if block.State() != Ready {
		t.Fatalf("state = %v, want Ready", block.State())
	}
}

func TestOpenWaitsForReady(t *testing.T) {
	var block Block

	done := make(chan error, 1)
	go func() {
		done <- block.Open(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("Open returned before the block was Ready")
	case <-time.After(20 * time.Millisecond):
	}

	block.Create(context.Background(), func() error { return nil })

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Open never observed Ready")
	}
}

func TestOpenRespectsContextDeadline(t *testing.T) {
	var block Block // stays Uninit/Building forever in this test

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := block.Open(ctx)
	if err == nil {
		t.Fatal("expected a deadline error")
	}
}

func TestFromBytesAddressesSharedMemory(t *testing.T) {
	mem := make([]byte, Size*2)
	b := FromBytes(mem, Size)

	if b.State() != Uninit {
		t.Fatalf("state = %v, want Uninit", b.State())
	}

	won, err := b.Create(context.Background(), func() error { return nil })
	if err != nil || !won {
		t.Fatalf("Create() = (%v, %v), want (true, nil)", won, err)
	}

	// The state word must have actually landed inside mem at the given
	// offset, not in some Block copy.
	b2 := FromBytes(mem, Size)
	if b2.State() != Ready {
		t.Fatal("state change did not land in the backing byte slice")
	}
}
