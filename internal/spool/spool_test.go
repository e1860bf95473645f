package spool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/spoold/spoold/framework/module"
	"github.com/spoold/spoold/internal/testutils"
)

type procFunc func(ctx context.Context, m *module.Mail) error

func (f procFunc) Process(ctx context.Context, m *module.Mail) error {
	return f(ctx, m)
}

func testMail(t *testing.T, rcpt string) *module.Mail {
	t.Helper()
	m, err := module.NewMail("root")
	if err != nil {
		t.Fatal(err)
	}
	m.From = "sender@example.org"
	m.RcptTo = []string{rcpt}
	return m
}

func TestSpool_ProcessesEnqueued(t *testing.T) {
	var (
		lock sync.Mutex
		seen []string
	)
	s, err := New(Config{
		Processor: procFunc(func(_ context.Context, m *module.Mail) error {
			lock.Lock()
			seen = append(seen, m.RcptTo[0])
			lock.Unlock()
			return nil
		}),
		Log: testutils.Logger(t, "spool"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for _, rcpt := range []string{"a@example.org", "b@example.org", "c@example.org"} {
		if err := s.Enqueue(context.Background(), testMail(t, rcpt)); err != nil {
			t.Fatal(err)
		}
	}
	s.Wait()

	lock.Lock()
	defer lock.Unlock()
	if len(seen) != 3 {
		t.Errorf("expected 3 processed mails, got %d: %v", len(seen), seen)
	}
}

func TestSpool_InFlight(t *testing.T) {
	release := make(chan struct{})
	s, err := New(Config{
		Processor: procFunc(func(_ context.Context, m *module.Mail) error {
			<-release
			return nil
		}),
		Workers: 1,
		Log:     testutils.Logger(t, "spool"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	m := testMail(t, "a@example.org")
	if err := s.Enqueue(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		inFlight := s.InFlight()
		if len(inFlight) == 1 && inFlight[0] == m.Meta.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("mail never showed up as in-flight: %v", inFlight)
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(release)
	s.Wait()

	// The in-flight entry is removed right after the drain accounting, so
	// give it a moment.
	deadline = time.Now().Add(5 * time.Second)
	for len(s.InFlight()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("in-flight set is not empty after drain: %v", s.InFlight())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSpool_EnqueueAfterClose(t *testing.T) {
	s, err := New(Config{
		Processor: procFunc(func(context.Context, *module.Mail) error { return nil }),
		Log:       testutils.Logger(t, "spool"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	if err := s.Enqueue(context.Background(), testMail(t, "a@example.org")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestSpool_PanicEscapingProcessor_Requeued(t *testing.T) {
	var (
		lock     sync.Mutex
		attempts int
	)
	s, err := New(Config{
		Processor: procFunc(func(_ context.Context, m *module.Mail) error {
			lock.Lock()
			attempts++
			first := attempts == 1
			lock.Unlock()
			if first {
				panic("oops")
			}
			return nil
		}),
		Workers: 1,
		Log:     testutils.Logger(t, "spool"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Enqueue(context.Background(), testMail(t, "a@example.org")); err != nil {
		t.Fatal(err)
	}
	s.Wait()

	lock.Lock()
	defer lock.Unlock()
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestSpool_WorkerKilled_ReplacementSpawned(t *testing.T) {
	var (
		lock     lockedCounter
		killOnce sync.Once
	)
	s, err := New(Config{
		Processor: procFunc(func(_ context.Context, m *module.Mail) error {
			killed := false
			killOnce.Do(func() {
				killed = true
			})
			if killed {
				runtime.Goexit()
			}
			lock.inc()
			return nil
		}),
		Workers: 1,
		Log:     testutils.Logger(t, "spool"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Enqueue(context.Background(), testMail(t, "a@example.org")); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(context.Background(), testMail(t, "b@example.org")); err != nil {
		t.Fatal(err)
	}
	s.Wait()

	// Both mails complete even though the only worker was killed once: the
	// killer mail is requeued and a replacement worker picks everything up.
	if got := lock.get(); got != 2 {
		t.Errorf("expected 2 completed mails, got %d", got)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSpool_RepeatedKiller_Dropped(t *testing.T) {
	var processed lockedCounter
	s, err := New(Config{
		Processor: procFunc(func(_ context.Context, m *module.Mail) error {
			if m.RcptTo[0] == "killer@example.org" {
				runtime.Goexit()
			}
			processed.inc()
			return nil
		}),
		Workers:     1,
		MaxRequeues: 2,
		Log:         testutils.Logger(t, "spool"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Enqueue(context.Background(), testMail(t, "killer@example.org")); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(context.Background(), testMail(t, "victim@example.org")); err != nil {
		t.Fatal(err)
	}

	// Wait returns only if the killer mail is eventually dropped instead of
	// being requeued forever.
	s.Wait()

	if got := processed.get(); got != 1 {
		t.Errorf("expected 1 completed mail, got %d", got)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

type lockedCounter struct {
	lock sync.Mutex
	n    int
}

func (c *lockedCounter) inc() {
	c.lock.Lock()
	c.n++
	c.lock.Unlock()
}

func (c *lockedCounter) get() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.n
}
