package tickgate

import "testing"

func collect(g *Gate[string], local uint64) ([]Entry[string], []StartCorrection) {
	var out []Entry[string]
	corrections := g.Advance(local, func(e Entry[string]) {
		out = append(out, e)
	})
	return out, corrections
}

func TestReleaseInTickOrder(t *testing.T) {
	g := New[string]()
	g.Push(5, "five")
	g.Push(7, "seven")
	g.Push(6, "six")

	released, _ := collect(g, 7)

	want := []uint64{5, 6, 7}
	if len(released) != len(want) {
		t.Fatalf("Expected %d releases, got %d", len(want), len(released))
	}
	for i, tick := range want {
		if released[i].Tick != tick {
			t.Errorf("Release %d: expected tick %d, got %d", i, tick, released[i].Tick)
		}
	}

	again, _ := collect(g, 7)
	if len(again) != 0 {
		t.Errorf("Expected no re-release, got %v", again)
	}
	if g.State() != Idle {
		t.Errorf("Expected idle after draining, got %s", g.State())
	}
}

func TestArrivalOrderWithinBucket(t *testing.T) {
	g := New[string]()
	g.Push(3, "first")
	g.Push(3, "second")
	g.Push(3, "third")

	released, _ := collect(g, 3)
	if len(released) != 3 {
		t.Fatalf("Expected 3 releases, got %d", len(released))
	}
	for i, want := range []string{"first", "second", "third"} {
		if released[i].Message != want {
			t.Errorf("Position %d: expected %q, got %q", i, want, released[i].Message)
		}
	}
}

func TestFutureTicksStayBuffered(t *testing.T) {
	g := New[string]()
	g.Push(10, "future")

	if g.State() != Buffering {
		t.Fatalf("Expected buffering after push, got %s", g.State())
	}

	released, corrections := collect(g, 9)
	if len(released) != 0 || len(corrections) != 0 {
		t.Fatalf("Expected nothing released before tick 10, got %v", released)
	}
	if g.State() != Buffering {
		t.Errorf("Expected still buffering, got %s", g.State())
	}
}

func TestStateTransitions(t *testing.T) {
	g := New[string]()
	if g.State() != Idle {
		t.Fatalf("Expected idle, got %s", g.State())
	}

	g.Push(1, "a")
	g.Push(4, "b")
	if g.State() != Buffering {
		t.Fatalf("Expected buffering, got %s", g.State())
	}

	collect(g, 2)
	if g.State() != Releasing {
		t.Errorf("Expected releasing while buckets remain, got %s", g.State())
	}
	if g.Pending() != 1 {
		t.Errorf("Expected 1 pending, got %d", g.Pending())
	}

	collect(g, 4)
	if g.State() != Idle {
		t.Errorf("Expected idle once empty, got %s", g.State())
	}
}

func TestOnTimeNeedsNoCorrection(t *testing.T) {
	g := New[string]()
	g.Push(8, "spawn")

	_, corrections := collect(g, 8)
	if len(corrections) != 0 {
		t.Errorf("Expected no correction for an on-time message, got %v", corrections)
	}
}

func TestLateMessageRequestsCorrection(t *testing.T) {
	g := New[string]()
	g.Push(5, "late spawn")

	_, corrections := collect(g, 9)
	if len(corrections) != 1 {
		t.Fatalf("Expected 1 correction, got %d", len(corrections))
	}
	want := StartCorrection{StartTick: 4, LastTick: 9}
	if corrections[0] != want {
		t.Errorf("Expected %+v, got %+v", want, corrections[0])
	}
}

func TestCorrectionAtTickZero(t *testing.T) {
	g := New[string]()
	g.Push(0, "genesis")

	_, corrections := collect(g, 2)
	if len(corrections) != 1 || corrections[0].StartTick != 0 {
		t.Errorf("Expected correction starting at 0, got %v", corrections)
	}
}

func TestDrainedTickNeverReleasedTwice(t *testing.T) {
	g := New[string]()
	g.Push(5, "a")
	collect(g, 5)

	// Arrives after tick 5 was drained.
	g.Push(5, "straggler")
	g.Push(3, "older straggler")

	lowest, _ := g.LowestTick()
	if lowest <= 5 {
		t.Errorf("Expected straggler bucket after the drained tick, got %d", lowest)
	}

	released, corrections := collect(g, 6)
	if len(released) != 2 {
		t.Fatalf("Expected 2 releases, got %d", len(released))
	}
	if released[0].Tick != 5 || released[1].Tick != 3 {
		t.Errorf("Expected authoritative ticks preserved in arrival order, got %d and %d", released[0].Tick, released[1].Tick)
	}
	if len(corrections) != 2 || corrections[1].StartTick != 2 {
		t.Errorf("Expected corrections keyed on authoritative ticks, got %v", corrections)
	}
	if s := g.Stats(); s.Reopenings != 2 {
		t.Errorf("Expected 2 reopenings counted, got %d", s.Reopenings)
	}
}
