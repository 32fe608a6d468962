package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/you-humble/dococr/api/internal/domain"
	"github.com/you-humble/dococr/core/ocr"
)

type stubEngine struct {
	name   string
	probes atomic.Int32
	mu     sync.Mutex
	err    error
	delay  time.Duration
}

func (s *stubEngine) Name() string { return s.name }

func (s *stubEngine) Probe(ctx context.Context) (string, error) {
	s.probes.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return "1.0", nil
}

func (s *stubEngine) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubEngine) Extract(ctx context.Context, doc ocr.Document, opts ocr.Options) (ocr.Result, error) {
	return ocr.Result{}, nil
}

func TestRegisterAfterSeal(t *testing.T) {
	r := NewRegistry("a", time.Minute, time.Second)
	if err := r.Register("a", &stubEngine{name: "a"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("a", &stubEngine{name: "a"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate register: %v", err)
	}
	r.Seal()
	if err := r.Register("b", &stubEngine{name: "b"}); !errors.Is(err, ErrSealed) {
		t.Fatalf("register after seal: %v", err)
	}
}

func TestGet(t *testing.T) {
	ok := &stubEngine{name: "tesseract"}
	down := &stubEngine{name: "easyocr", err: errors.New("connection refused")}

	r := NewRegistry("tesseract", time.Minute, time.Second)
	_ = r.Register("tesseract", ok)
	_ = r.Register("easyocr", down)
	r.Seal()

	eng, err := r.Get(context.Background(), "tesseract")
	if err != nil || eng != ok {
		t.Fatalf("Get(tesseract) = %v, %v", eng, err)
	}

	var notFound *domain.EngineNotFoundError
	if _, err := r.Get(context.Background(), "paddle"); !errors.As(err, &notFound) {
		t.Fatalf("Get(unknown) = %v", err)
	}

	var unavailable *domain.EngineUnavailableError
	if _, err := r.Get(context.Background(), "easyocr"); !errors.As(err, &unavailable) {
		t.Fatalf("Get(down) = %v", err)
	}
}

func TestProbeIsCachedUntilTTL(t *testing.T) {
	eng := &stubEngine{name: "tesseract"}
	r := NewRegistry("tesseract", time.Minute, time.Second)
	_ = r.Register("tesseract", eng)
	r.Seal()

	clock := time.Now()
	r.now = func() time.Time { return clock }

	for range 5 {
		if _, err := r.Get(context.Background(), "tesseract"); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if n := eng.probes.Load(); n != 1 {
		t.Fatalf("probes = %d, want 1", n)
	}

	eng.setErr(errors.New("gone"))
	clock = clock.Add(2 * time.Minute)
	if _, err := r.Get(context.Background(), "tesseract"); err == nil {
		t.Fatalf("expected unavailable after TTL expiry")
	}
	if n := eng.probes.Load(); n != 2 {
		t.Fatalf("probes = %d, want 2", n)
	}
}

func TestConcurrentProbesCollapse(t *testing.T) {
	eng := &stubEngine{name: "slow", delay: 50 * time.Millisecond}
	r := NewRegistry("slow", time.Minute, time.Second)
	_ = r.Register("slow", eng)
	r.Seal()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Get(context.Background(), "slow")
		}()
	}
	wg.Wait()

	if n := eng.probes.Load(); n != 1 {
		t.Fatalf("probes = %d, want 1", n)
	}
}

func TestListAndReady(t *testing.T) {
	a := &stubEngine{name: "a", err: errors.New("down")}
	b := &stubEngine{name: "b"}

	r := NewRegistry("a", time.Minute, time.Second)
	_ = r.Register("a", a)
	_ = r.Register("b", b)
	r.Seal()

	list := r.List(context.Background())
	if len(list) != 2 || list[0].Name != "a" || list[1].Name != "b" {
		t.Fatalf("List order = %+v", list)
	}
	if list[0].Available || list[0].Status != domain.EngineUnavailable || list[0].Error == "" {
		t.Fatalf("a = %+v", list[0])
	}
	if !list[1].Available || list[1].Version != "1.0" {
		t.Fatalf("b = %+v", list[1])
	}
	if !r.Ready(context.Background()) {
		t.Fatalf("registry with one available engine must be ready")
	}

	b.setErr(errors.New("down too"))
	r.Refresh(context.Background())
	if r.Ready(context.Background()) {
		t.Fatalf("registry without available engines must not be ready")
	}
}
