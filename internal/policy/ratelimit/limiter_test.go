package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTime struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeTime) Sleep(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slept = append(f.slept, d)
	f.now = f.now.Add(d)
	return nil
}

func newFake() *fakeTime {
	return &fakeTime{now: time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)}
}

func TestWaitFirstRequestIsImmediate(t *testing.T) {
	t.Parallel()

	ft := newFake()
	l := New(Config{MinDelay: time.Second, MaxDelay: 3 * time.Second}, WithClock(ft.Now), WithSleeper(ft.Sleep))
	if err := l.Wait(context.Background(), "news.example"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ft.slept) != 0 {
		t.Fatalf("expected no sleep, got %v", ft.slept)
	}
}

func TestWaitSubtractsElapsed(t *testing.T) {
	t.Parallel()

	ft := newFake()
	// jitter returning n-1 picks MaxDelay.
	l := New(Config{MinDelay: time.Second, MaxDelay: 3 * time.Second},
		WithClock(ft.Now), WithSleeper(ft.Sleep), WithJitter(func(n int64) int64 { return n - 1 }))

	ctx := context.Background()
	if err := l.Wait(ctx, "https://news.example/a"); err != nil {
		t.Fatal(err)
	}
	ft.Advance(500 * time.Millisecond)
	if err := l.Wait(ctx, "https://www.news.example/b"); err != nil {
		t.Fatal(err)
	}
	if len(ft.slept) != 1 || ft.slept[0] != 2500*time.Millisecond {
		t.Fatalf("expected a single 2.5s sleep, got %v", ft.slept)
	}
}

func TestWaitNoDelayWhenEnoughTimePassed(t *testing.T) {
	t.Parallel()

	ft := newFake()
	l := New(Config{MinDelay: time.Second, MaxDelay: 2 * time.Second}, WithClock(ft.Now), WithSleeper(ft.Sleep))
	ctx := context.Background()
	if err := l.Wait(ctx, "a.example"); err != nil {
		t.Fatal(err)
	}
	ft.Advance(5 * time.Second)
	if err := l.Wait(ctx, "a.example"); err != nil {
		t.Fatal(err)
	}
	if len(ft.slept) != 0 {
		t.Fatalf("expected no sleep, got %v", ft.slept)
	}
}

func TestWaitDelayWithinWindow(t *testing.T) {
	t.Parallel()

	ft := newFake()
	l := New(Config{MinDelay: time.Second, MaxDelay: 3 * time.Second}, WithClock(ft.Now), WithSleeper(ft.Sleep))
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if err := l.Wait(ctx, "b.example"); err != nil {
			t.Fatal(err)
		}
	}
	if len(ft.slept) != 49 {
		t.Fatalf("expected 49 sleeps, got %d", len(ft.slept))
	}
	for _, d := range ft.slept {
		if d < time.Second || d > 3*time.Second {
			t.Fatalf("delay %v outside window", d)
		}
	}
}

func TestWaitDomainsIndependent(t *testing.T) {
	t.Parallel()

	ft := newFake()
	l := New(Config{MinDelay: time.Second, MaxDelay: time.Second}, WithClock(ft.Now), WithSleeper(ft.Sleep))
	ctx := context.Background()
	for _, d := range []string{"a.example", "b.example", "c.example"} {
		if err := l.Wait(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	if len(ft.slept) != 0 {
		t.Fatalf("expected no sleep across domains, got %v", ft.slept)
	}
}

func TestWaitConcurrentCallersAreSpaced(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		waits []time.Duration
	)
	now := time.Now()
	l := New(Config{MinDelay: time.Second, MaxDelay: time.Second},
		WithClock(func() time.Time { return now }),
		WithSleeper(func(_ context.Context, d time.Duration) error {
			mu.Lock()
			waits = append(waits, d)
			mu.Unlock()
			return nil
		}))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Wait(context.Background(), "shared.example")
		}()
	}
	wg.Wait()

	seen := map[time.Duration]bool{}
	for _, w := range waits {
		seen[w] = true
	}
	for _, want := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		if !seen[want] {
			t.Fatalf("expected a %v wait among %v", want, waits)
		}
	}
}

func TestWaitHonorsCancellation(t *testing.T) {
	t.Parallel()

	l := New(Config{MinDelay: time.Hour, MaxDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Wait(ctx, "slow.example"); err != nil {
		t.Fatal(err)
	}
	cancel()
	err := l.Wait(ctx, "slow.example")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDomainOf(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://WWW.News.Example/a?b=c": "news.example",
		"news.example":                   "news.example",
		"web.archive.org:443":            "web.archive.org",
		"":                               "unknown",
	}
	for in, want := range cases {
		if got := DomainOf(in); got != want {
			t.Fatalf("DomainOf(%q) = %q, want %q", in, got, want)
		}
	}
}
