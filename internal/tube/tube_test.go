package tube

import (
	"testing"

	"github.com/xtaci/beanq/internal/job"
)

func TestReadyHeapOrder(t *testing.T) {
	tu := New("default")
	jobs := []*job.Job{
		{ID: 3, Priority: 10},
		{ID: 1, Priority: 5},
		{ID: 2, Priority: 5},
		{ID: 4, Priority: 1},
	}
	for _, j := range jobs {
		tu.PushReady(j)
	}
	wantOrder := []uint64{4, 1, 2, 3}
	for _, want := range wantOrder {
		got, ok := tu.PopReady()
		if !ok || got.ID != want {
			t.Fatalf("pop order: got %+v want id %d", got, want)
		}
	}
}

func TestUrgentCounting(t *testing.T) {
	tu := New("default")
	tu.PushReady(&job.Job{ID: 1, Priority: 0})
	tu.PushReady(&job.Job{ID: 2, Priority: job.UrgentThreshold})
	if tu.UrgentCount() != 1 {
		t.Fatalf("urgent count = %d, want 1", tu.UrgentCount())
	}
	tu.PopReady()
	tu.PopReady()
	if tu.UrgentCount() != 0 {
		t.Fatalf("urgent count after drain = %d, want 0", tu.UrgentCount())
	}
}

func TestDelayedHeapOrder(t *testing.T) {
	tu := New("default")
	tu.PushDelayed(&job.Job{ID: 1, DeadlineAt: 300})
	tu.PushDelayed(&job.Job{ID: 2, DeadlineAt: 100})
	tu.PushDelayed(&job.Job{ID: 3, DeadlineAt: 200})
	j, _ := tu.PopDelayed()
	if j.ID != 2 {
		t.Fatalf("expected soonest deadline job 2, got %d", j.ID)
	}
}

func TestBuryAndKick(t *testing.T) {
	tu := New("default")
	j1 := &job.Job{ID: 1}
	j2 := &job.Job{ID: 2}
	tu.Bury(j1)
	tu.Bury(j2)
	if tu.BuriedLen() != 2 {
		t.Fatalf("buried len = %d, want 2", tu.BuriedLen())
	}
	moved := tu.KickBuried(1)
	if len(moved) != 1 {
		t.Fatalf("kicked %d, want 1", len(moved))
	}
	if tu.ReadyLen() != 1 || tu.BuriedLen() != 1 {
		t.Fatalf("after kick: ready=%d buried=%d", tu.ReadyLen(), tu.BuriedLen())
	}
	front, ok := tu.BuriedFront()
	if !ok || front.ID != 2 {
		t.Fatalf("remaining buried front = %+v, want job 2", front)
	}
}

func TestKickDelayedWhenNoBuried(t *testing.T) {
	tu := New("default")
	tu.PushDelayed(&job.Job{ID: 1, DeadlineAt: 100})
	tu.PushDelayed(&job.Job{ID: 2, DeadlineAt: 200})
	moved := tu.KickDelayed(5)
	if len(moved) != 2 {
		t.Fatalf("kicked %d, want 2", len(moved))
	}
	if tu.ReadyLen() != 2 || tu.DelayedLen() != 0 {
		t.Fatalf("after kick: ready=%d delayed=%d", tu.ReadyLen(), tu.DelayedLen())
	}
}

func TestWaiterFIFO(t *testing.T) {
	tu := New("default")
	tu.AddWaiter(10)
	tu.AddWaiter(20)
	tu.AddWaiter(30)
	tu.RemoveWaiter(20)
	id, ok := tu.PopWaiter()
	if !ok || id != 10 {
		t.Fatalf("first waiter = %d, want 10", id)
	}
	id, ok = tu.PopWaiter()
	if !ok || id != 30 {
		t.Fatalf("second waiter = %d, want 30 (20 should have been removed)", id)
	}
	if tu.HasWaiters() {
		t.Fatal("expected no waiters left")
	}
}

func TestPause(t *testing.T) {
	tu := New("default")
	tu.Pause(1000, 500)
	if !tu.IsPaused(1100) {
		t.Fatal("expected paused at 1100")
	}
	if tu.IsPaused(1600) {
		t.Fatal("expected not paused at 1600")
	}
}

func TestNamePattern(t *testing.T) {
	valid := []string{"default", "a", "A-Z_0.9", "x(y)", "foo-bar"}
	invalid := []string{"", "-leading", "has space", "bad!char"}
	for _, n := range valid {
		if !NamePattern.MatchString(n) {
			t.Errorf("expected %q to be valid", n)
		}
	}
	for _, n := range invalid {
		if NamePattern.MatchString(n) {
			t.Errorf("expected %q to be invalid", n)
		}
	}
}
