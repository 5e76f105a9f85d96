package eventlog

import (
	"sync"
	"testing"
)

func TestAppend_SequencesAreDense(t *testing.T) {
	log := New(nil)

	for i := 0; i < 5; i++ {
		ev, err := log.Append("p1", KindJobSubmitted, map[string]any{"n": i})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if ev.Seq != uint64(i+1) {
			t.Errorf("Seq = %d, want %d", ev.Seq, i+1)
		}
	}

	// A second project has its own sequence space.
	ev, _ := log.Append("p2", KindJobSubmitted, nil)
	if ev.Seq != 1 {
		t.Errorf("p2 Seq = %d, want 1", ev.Seq)
	}
}

func TestSince_Replay(t *testing.T) {
	log := New(nil)
	const n = 7

	for i := 0; i < n; i++ {
		if _, _, err := log.AppendSnapshot("p1", map[string]any{"rev": i}); err != nil {
			t.Fatalf("AppendSnapshot: %v", err)
		}
	}

	all := log.Since("p1", 0)
	if len(all) != n {
		t.Fatalf("Since(0) = %d events, want %d", len(all), n)
	}

	half := log.Since("p1", n/2)
	if len(half) != n-n/2 {
		t.Fatalf("Since(%d) = %d events, want %d", n/2, len(half), n-n/2)
	}
	prev := uint64(n / 2)
	for _, ev := range half {
		if ev.Seq != prev+1 {
			t.Errorf("Seq = %d, want %d (strictly increasing, dense)", ev.Seq, prev+1)
		}
		prev = ev.Seq
	}

	if got := log.Since("p1", n); got != nil {
		t.Errorf("Since(lastSeq) = %v, want nil", got)
	}
	if got := log.Since("missing", 0); got != nil {
		t.Errorf("Since(missing) = %v, want nil", got)
	}
}

func TestAppendSnapshot_IdempotentAgainstNoOps(t *testing.T) {
	log := New(nil)

	_, appended, err := log.AppendSnapshot("p1", map[string]any{"revision": "rev-1"})
	if err != nil || !appended {
		t.Fatalf("first snapshot: appended=%v err=%v", appended, err)
	}

	_, appended, err = log.AppendSnapshot("p1", map[string]any{"revision": "rev-1"})
	if err != nil {
		t.Fatalf("second snapshot: %v", err)
	}
	if appended {
		t.Error("identical snapshot was appended, want skip")
	}

	_, appended, _ = log.AppendSnapshot("p1", map[string]any{"revision": "rev-2"})
	if !appended {
		t.Error("changed snapshot was skipped, want append")
	}

	if got := log.LastSeq("p1"); got != 2 {
		t.Errorf("LastSeq = %d, want 2", got)
	}
}

func TestWatch_ObservesAppends(t *testing.T) {
	log := New(nil)

	var mu sync.Mutex
	var seen []uint64
	log.Watch(func(projectKey string, ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if projectKey == "p1" {
			seen = append(seen, ev.Seq)
		}
	})

	_, _ = log.Append("p1", KindJobSubmitted, nil)
	_, _, _ = log.AppendSnapshot("p1", map[string]any{"a": 1})
	_, _ = log.Append("p2", KindJobSubmitted, nil)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("watcher saw %v, want [1 2]", seen)
	}
}

func TestAppend_ConcurrentPerProjectOrdering(t *testing.T) {
	log := New(nil)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = log.Append("p1", KindJobSubmitted, nil)
			}
		}()
	}
	wg.Wait()

	events := log.Since("p1", 0)
	if len(events) != 200 {
		t.Fatalf("got %d events, want 200", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("Seq[%d] = %d, want %d", i, ev.Seq, i+1)
		}
	}
}
