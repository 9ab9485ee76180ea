package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(2)
	if p.Size() != 2 {
		t.Fatalf("Size = %d, want 2", p.Size())
	}

	var running, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(func() {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
			})
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
	if p.Active() != 0 {
		t.Errorf("Active after completion = %d, want 0", p.Active())
	}
}

func TestPoolReleasesOnPanic(t *testing.T) {
	p := New(1)
	func() {
		defer func() { _ = recover() }()
		p.Run(func() { panic("boom") })
	}()

	done := make(chan struct{})
	go func() {
		p.Run(func() {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("slot not released after panic")
	}
}

func TestRunCallsFnOnCallerGoroutine(t *testing.T) {
	p := New(1)

	ran := false
	p.Run(func() { ran = true })
	if !ran {
		t.Fatal("fn had not run when Run returned")
	}

	var got any
	func() {
		defer func() { got = recover() }()
		p.Run(func() { panic("kdf failed") })
	}()
	if got != "kdf failed" {
		t.Errorf("recovered %v in caller, want the panic from fn", got)
	}
	if p.Active() != 0 {
		t.Errorf("Active = %d after panic, want 0", p.Active())
	}
}

func TestNewDefaultSize(t *testing.T) {
	if New(0).Size() < 1 {
		t.Error("default size < 1")
	}
}
