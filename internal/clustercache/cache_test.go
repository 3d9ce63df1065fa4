package clustercache

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rchpc/ide-broker/internal/core"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func TestCache_UnknownClusterInvalid(t *testing.T) {
	c := New(&fakeClock{t: time.Now()})
	_, _, valid := c.Get("gemini")
	if valid {
		t.Fatal("expected unknown cluster to be invalid")
	}
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := New(clock)
	c.Set("gemini", core.ClusterHealth{Online: true})

	clock.t = clock.t.Add(10 * time.Minute)
	if _, _, valid := c.Get("gemini"); !valid {
		t.Fatal("expected entry to still be valid before TTL")
	}

	clock.t = clock.t.Add(DefaultTTL)
	if _, _, valid := c.Get("gemini"); valid {
		t.Fatal("expected entry to be invalid after TTL")
	}
}

func TestCache_Invalidate(t *testing.T) {
	c := New(&fakeClock{t: time.Now()})
	c.Set("gemini", core.ClusterHealth{Online: true})
	c.Invalidate("gemini")
	if _, _, valid := c.Get("gemini"); valid {
		t.Fatal("expected invalidated entry to be invalid")
	}
}

func TestCache_GetOrRefreshDedupsConcurrentCallers(t *testing.T) {
	c := New(&fakeClock{t: time.Now()})
	var calls int64

	refresh := func() (core.ClusterHealth, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(5 * time.Millisecond)
		return core.ClusterHealth{Online: true}, nil
	}

	done := make(chan struct{})
	for range 10 {
		go func() {
			c.GetOrRefresh("gemini", refresh)
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected exactly 1 refresh call, got %d", got)
	}
}
