package fiber_test

import (
	"testing"

	"github.com/momentics/fiberd/fiber"
	"github.com/momentics/fiberd/internal/tls"
)

func TestResumeRunsEntryToCompletion(t *testing.T) {
	ran := false
	f := fiber.New(func() {
		ran = true
	}, 0)

	if err := f.Resume(); err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}
	if !ran {
		t.Fatal("entry did not run")
	}
	if f.State() != fiber.StateTerm {
		t.Fatalf("expected TERM, got %s", f.State())
	}
}

func TestResumeAfterTermIsInvalid(t *testing.T) {
	f := fiber.New(func() {}, 0)
	if err := f.Resume(); err != nil {
		t.Fatalf("first resume failed: %v", err)
	}
	if err := f.Resume(); err == nil {
		t.Fatal("expected error resuming a TERM fiber")
	}
}

func TestYieldToHoldSuspendsAndResumes(t *testing.T) {
	step := 0
	f := fiber.New(func() {
		step = 1
		fiber.YieldToHold()
		step = 2
	}, 0)

	if err := f.Resume(); err != nil {
		t.Fatalf("first resume: %v", err)
	}
	if f.State() != fiber.StateHold {
		t.Fatalf("expected HOLD after yield, got %s", f.State())
	}
	if step != 1 {
		t.Fatalf("expected step 1, got %d", step)
	}

	if err := f.Resume(); err != nil {
		t.Fatalf("second resume: %v", err)
	}
	if step != 2 {
		t.Fatalf("expected step 2, got %d", step)
	}
	if f.State() != fiber.StateTerm {
		t.Fatalf("expected TERM, got %s", f.State())
	}
}

func TestPanicBecomesExcept(t *testing.T) {
	f := fiber.New(func() {
		panic("boom")
	}, 0)

	err := f.Resume()
	if err == nil {
		t.Fatal("expected error from panicking fiber")
	}
	if f.State() != fiber.StateExcept {
		t.Fatalf("expected EXCEPT, got %s", f.State())
	}
}

func TestResetReusesGoroutine(t *testing.T) {
	first := false
	f := fiber.New(func() { first = true }, 0)
	if err := f.Resume(); err != nil {
		t.Fatalf("first resume: %v", err)
	}

	second := false
	if err := f.Reset(func() { second = true }); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := f.Resume(); err != nil {
		t.Fatalf("second resume: %v", err)
	}
	if !first || !second {
		t.Fatal("expected both entries to have run")
	}
}

func TestCurrentReflectsRunningFiber(t *testing.T) {
	var seen *fiber.Fiber
	f := fiber.New(func() {
		seen = fiber.Current()
	}, 0)
	if err := f.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if seen != f {
		t.Fatal("Current() inside entry did not return the running fiber")
	}
}

func TestNewRootStartsInExec(t *testing.T) {
	r := fiber.NewRoot()
	tls.Bind(&tls.Cell{Fiber: r})
	defer tls.Unbind()

	if r.State() != fiber.StateExec {
		t.Fatalf("expected root fiber to start EXEC, got %s", r.State())
	}
	if fiber.Current() != r {
		t.Fatal("Current() did not return bound root fiber")
	}
}
