package timestore

import (
	"testing"
	"time"
)

func TestStorePushPopExpired(t *testing.T) {
	s := New[int]()
	now := time.Now()

	i1 := s.Push(now.Add(10*time.Millisecond), 1)
	i2 := s.Push(now.Add(20*time.Millisecond), 2)
	i3 := s.Push(now.Add(5*time.Second), 3)

	if s.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", s.Size())
	}

	fired := map[int]int{}
	s.PopExpired(now.Add(15*time.Millisecond), func(v int, _ time.Time, idx int) {
		fired[idx] = v
	})

	if len(fired) != 1 || fired[i1] != 1 {
		t.Fatalf("fired = %v, want only index %d", fired, i1)
	}
	if s.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", s.Size())
	}

	// The remaining short timer fires on the next pass; the long one does not.
	fired = map[int]int{}
	s.PopExpired(now.Add(time.Second), func(v int, _ time.Time, idx int) {
		fired[idx] = v
	})
	if len(fired) != 1 || fired[i2] != 2 {
		t.Fatalf("fired = %v, want only index %d", fired, i2)
	}

	if v := s.Pop(i3); v != 3 {
		t.Fatalf("Pop(%d) = %d, want 3", i3, v)
	}
	if s.Size() != 0 {
		t.Fatalf("Size() = %d, want 0", s.Size())
	}
}

func TestStoreFirstExpiryLaw(t *testing.T) {
	// An entry pushed with expiry x is returned by the first PopExpired with
	// now >= x, unless popped earlier.
	s := New[string]()
	now := time.Now()
	x := now.Add(30 * time.Millisecond)
	idx := s.Push(x, "v")

	var got []string
	s.PopExpired(x.Add(-time.Millisecond), func(v string, _ time.Time, _ int) {
		got = append(got, v)
	})
	if len(got) != 0 {
		t.Fatalf("entry fired before expiry: %v", got)
	}

	s.PopExpired(x, func(v string, _ time.Time, i int) {
		if i != idx {
			t.Errorf("index = %d, want %d", i, idx)
		}
		got = append(got, v)
	})
	if len(got) != 1 || got[0] != "v" {
		t.Fatalf("fired = %v, want [v]", got)
	}
}

func TestStoreUpdateKeepsIndex(t *testing.T) {
	s := New[int]()
	now := time.Now()

	idx := s.Push(now.Add(time.Hour), 7)
	s.Update(idx, now.Add(time.Millisecond))

	fired := false
	s.PopExpired(now.Add(time.Second), func(v int, _ time.Time, i int) {
		if i != idx || v != 7 {
			t.Errorf("fired (%d, %d), want (%d, 7)", i, v, idx)
		}
		fired = true
	})
	if !fired {
		t.Fatal("rescheduled entry did not fire")
	}
}

func TestStoreMinExpiry(t *testing.T) {
	s := New[int]()
	if !s.MinExpiry().IsZero() {
		t.Fatal("MinExpiry of empty store not zero")
	}

	now := time.Now()
	early := now.Add(50 * time.Millisecond)
	s.Push(now.Add(2*time.Hour), 1)
	idx := s.Push(early, 2)

	if got := s.MinExpiry(); got.After(early) {
		t.Fatalf("MinExpiry = %v, want <= %v", got, early)
	}

	s.Pop(idx)
	// After removal the bound may be stale but never later than the true min.
	if got := s.MinExpiry(); !got.IsZero() && got.After(now.Add(2*time.Hour)) {
		t.Fatalf("MinExpiry = %v exceeds remaining entry", got)
	}
}

func TestStoreIndexReuse(t *testing.T) {
	s := New[int]()
	now := time.Now()

	i1 := s.Push(now, 1)
	s.PopExpired(now, func(int, time.Time, int) {})

	i2 := s.Push(now.Add(time.Minute), 2)
	if i2 != i1 {
		t.Fatalf("freed index not reused: got %d, want %d", i2, i1)
	}
	if v := s.Pop(i2); v != 2 {
		t.Fatalf("Pop = %d, want 2", v)
	}
}

func TestStoreManyShortOneLong(t *testing.T) {
	s := New[int]()
	now := time.Now()

	const n = 10000
	for i := 0; i < n; i++ {
		s.Push(now.Add(time.Millisecond), i)
	}
	long := s.Push(now.Add(5*time.Second), -1)

	count := 0
	s.PopExpired(now.Add(2*time.Millisecond), func(v int, _ time.Time, _ int) {
		if v == -1 {
			t.Fatal("long timer fired early")
		}
		count++
	})
	if count != n {
		t.Fatalf("fired %d short timers, want %d", count, n)
	}
	if s.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", s.Size())
	}
	s.Pop(long)
}
