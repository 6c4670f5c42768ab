package idem

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/outcomex/trading-engine/internal/store"
)

func TestExecute_RunsOnce(t *testing.T) {
	d := NewDeduper(store.NewMemoryStore(), 16)
	ctx := context.Background()
	body := []byte(`{"amount":"100"}`)

	calls := 0
	fn := func() ([]byte, error) {
		calls++
		return []byte(`{"ok":true}`), nil
	}

	resp1, replayed1, err := d.Execute(ctx, "k1", "m1", "swap", body, fn)
	if err != nil || replayed1 {
		t.Fatalf("first call: err=%v replayed=%v", err, replayed1)
	}
	resp2, replayed2, err := d.Execute(ctx, "k1", "m1", "swap", body, fn)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replayed2 {
		t.Error("second call should be served from the stored response")
	}
	if calls != 1 {
		t.Errorf("fn ran %d times, want 1", calls)
	}
	if string(resp1) != string(resp2) {
		t.Errorf("responses differ: %s vs %s", resp1, resp2)
	}
}

func TestExecute_RejectsReusedKeyWithDifferentBody(t *testing.T) {
	d := NewDeduper(store.NewMemoryStore(), 16)
	ctx := context.Background()

	fn := func() ([]byte, error) { return []byte(`ok`), nil }
	if _, _, err := d.Execute(ctx, "k1", "m1", "swap", []byte(`a`), fn); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, _, err := d.Execute(ctx, "k1", "m1", "swap", []byte(`b`), fn)
	if !errors.Is(err, ErrKeyReused) {
		t.Errorf("expected ErrKeyReused, got %v", err)
	}
}

func TestExecute_ScopedByMemberAndEndpoint(t *testing.T) {
	d := NewDeduper(store.NewMemoryStore(), 16)
	ctx := context.Background()
	body := []byte(`x`)

	calls := 0
	fn := func() ([]byte, error) {
		calls++
		return []byte(`ok`), nil
	}

	d.Execute(ctx, "k1", "m1", "swap", body, fn)
	d.Execute(ctx, "k1", "m2", "swap", body, fn)  // different member
	d.Execute(ctx, "k1", "m1", "order", body, fn) // different endpoint

	if calls != 3 {
		t.Errorf("fn ran %d times, want 3 (distinct scopes)", calls)
	}
}

func TestExecute_FailedOperationNotStored(t *testing.T) {
	d := NewDeduper(store.NewMemoryStore(), 16)
	ctx := context.Background()
	body := []byte(`x`)

	calls := 0
	boom := errors.New("boom")
	failing := func() ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return []byte(`ok`), nil
	}

	if _, _, err := d.Execute(ctx, "k1", "m1", "swap", body, failing); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	resp, replayed, err := d.Execute(ctx, "k1", "m1", "swap", body, failing)
	if err != nil || replayed {
		t.Fatalf("retry after failure: err=%v replayed=%v", err, replayed)
	}
	if string(resp) != "ok" {
		t.Errorf("expected retry to execute, got %s", resp)
	}
}

func TestExecute_EmptyKeyBypasses(t *testing.T) {
	d := NewDeduper(store.NewMemoryStore(), 16)
	ctx := context.Background()

	calls := 0
	fn := func() ([]byte, error) {
		calls++
		return []byte(`ok`), nil
	}
	d.Execute(ctx, "", "m1", "swap", []byte(`x`), fn)
	d.Execute(ctx, "", "m1", "swap", []byte(`x`), fn)
	if calls != 2 {
		t.Errorf("empty key must not deduplicate: %d calls", calls)
	}
}

func TestExecute_OverlappingRetriesRunOnce(t *testing.T) {
	d := NewDeduper(store.NewMemoryStore(), 16)
	ctx := context.Background()
	body := []byte(`{"amount":"100"}`)

	var calls int32
	fn := func() ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond) // widen the lookup-to-store window
		return []byte(`{"ok":true}`), nil
	}

	const n = 10
	var (
		wg       sync.WaitGroup
		replayed int32
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			resp, wasReplay, err := d.Execute(ctx, "k1", "m1", "swap", body, fn)
			if err != nil {
				t.Errorf("execute: %v", err)
				return
			}
			if string(resp) != `{"ok":true}` {
				t.Errorf("unexpected response %s", resp)
			}
			if wasReplay {
				atomic.AddInt32(&replayed, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("fn ran %d times, want 1", got)
	}
	if got := atomic.LoadInt32(&replayed); got != n-1 {
		t.Errorf("%d calls were replays, want %d", got, n-1)
	}
}
