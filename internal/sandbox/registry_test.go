package sandbox

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRegistryPutGet(t *testing.T) {
	r := NewRegistry()
	r.Put(Session{ContainerID: "a", ChallengeID: "web-1"})

	s, ok := r.Get("a")
	if !ok {
		t.Fatal("Get(a) not found")
	}
	if s.ChallengeID != "web-1" {
		t.Errorf("ChallengeID = %q, want %q", s.ChallengeID, "web-1")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) should not be found")
	}
}

func TestRegistryValuesKeepsInsertionOrder(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		r.Put(Session{ContainerID: id})
	}
	r.Put(Session{ContainerID: "a", ChallengeID: "updated"})

	values := r.Values()
	if len(values) != 3 {
		t.Fatalf("len(Values) = %d, want 3", len(values))
	}
	for i, want := range []string{"c", "a", "b"} {
		if values[i].ContainerID != want {
			t.Errorf("Values[%d] = %q, want %q", i, values[i].ContainerID, want)
		}
	}
	if values[1].ChallengeID != "updated" {
		t.Errorf("overwritten session ChallengeID = %q, want %q", values[1].ChallengeID, "updated")
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	r.Put(Session{ContainerID: "a"})
	r.Put(Session{ContainerID: "b"})

	if !r.Remove("a") {
		t.Error("Remove(a) = false, want true")
	}
	if r.Remove("a") {
		t.Error("second Remove(a) = true, want false")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
	if values := r.Values(); len(values) != 1 || values[0].ContainerID != "b" {
		t.Errorf("Values = %+v, want only b", values)
	}
}

func TestRegistryRemoveKeepsOrderAcrossCompaction(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 100; i++ {
		r.Put(Session{ContainerID: fmt.Sprintf("c%d", i)})
	}

	// Remove every id not divisible by 10, oldest first.
	for i := 0; i < 100; i++ {
		if i%10 != 0 {
			r.Remove(fmt.Sprintf("c%d", i))
		}
	}

	if r.Len() != 10 {
		t.Fatalf("Len = %d, want 10", r.Len())
	}
	if len(r.order) > 2*r.Len()+1 {
		t.Errorf("order has %d slots for %d sessions, want it compacted", len(r.order), r.Len())
	}
	values := r.Values()
	for i, s := range values {
		if want := fmt.Sprintf("c%d", i*10); s.ContainerID != want {
			t.Errorf("values[%d] = %s, want %s", i, s.ContainerID, want)
		}
	}

	// Slots stay consistent after compaction.
	r.Remove("c50")
	r.Put(Session{ContainerID: "late"})
	values = r.Values()
	if len(values) != 10 || values[len(values)-1].ContainerID != "late" {
		t.Errorf("Values = %+v, want late appended last", values)
	}
	for _, s := range values {
		if s.ContainerID == "c50" {
			t.Error("removed session c50 still listed")
		}
	}
}

func TestRegistryLenSkipsTerminating(t *testing.T) {
	r := NewRegistry()
	r.Put(Session{ContainerID: "a"})
	r.Put(Session{ContainerID: "b"})

	if _, err := r.claim("a"); err != nil {
		t.Fatalf("claim error = %v", err)
	}
	if r.Len() != 1 || len(r.Values()) != 1 {
		t.Errorf("Len = %d, Values = %d, want 1 while a terminates", r.Len(), len(r.Values()))
	}

	r.unclaim("a")
	r.unclaim("a")
	if r.Len() != 2 {
		t.Errorf("Len = %d after unclaim, want 2", r.Len())
	}

	if _, err := r.claim("b"); err != nil {
		t.Fatalf("claim error = %v", err)
	}
	r.Remove("b")
	if r.Len() != 1 {
		t.Errorf("Len = %d after removing a claimed session, want 1", r.Len())
	}
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	r.Put(Session{ContainerID: "a", IPAddress: "172.17.0.2"})

	s, _ := r.Get("a")
	s.IPAddress = "mutated"

	again, _ := r.Get("a")
	if again.IPAddress != "172.17.0.2" {
		t.Errorf("IPAddress = %q, stored session was mutated through a snapshot", again.IPAddress)
	}
}

func TestRegistryTouchOnlyMovesForward(t *testing.T) {
	r := NewRegistry()
	start := time.Unix(1000, 0)
	r.Put(Session{ContainerID: "a", LastActive: start})

	r.Touch("a", start.Add(-time.Minute))
	if s, _ := r.Get("a"); !s.LastActive.Equal(start) {
		t.Errorf("LastActive = %v, want %v", s.LastActive, start)
	}

	later := start.Add(time.Minute)
	r.Touch("a", later)
	if s, _ := r.Get("a"); !s.LastActive.Equal(later) {
		t.Errorf("LastActive = %v, want %v", s.LastActive, later)
	}
}

func TestRegistryBindReplacesOtherOwner(t *testing.T) {
	r := NewRegistry()
	r.Put(Session{ContainerID: "a"})

	var detached []string
	prev, err := r.Bind("a", "one", func() { detached = append(detached, "one") })
	if err != nil {
		t.Fatalf("Bind(one) error = %v", err)
	}
	if prev != nil {
		t.Error("first Bind should not return a previous detach")
	}
	if s, _ := r.Get("a"); !s.Attached {
		t.Error("session should be attached")
	}

	prev, err = r.Bind("a", "one", func() { detached = append(detached, "one-again") })
	if err != nil {
		t.Fatalf("rebind error = %v", err)
	}
	if prev != nil {
		t.Error("rebinding the same owner should not return a previous detach")
	}

	prev, err = r.Bind("a", "two", func() { detached = append(detached, "two") })
	if err != nil {
		t.Fatalf("Bind(two) error = %v", err)
	}
	if prev == nil {
		t.Fatal("Bind(two) should return the previous detach")
	}
	prev()
	if len(detached) != 1 || detached[0] != "one-again" {
		t.Errorf("detached = %v, want [one-again]", detached)
	}

	if r.Unbind("a", "one") {
		t.Error("Unbind by a stale owner should be a no-op")
	}
	if !r.Unbind("a", "two") {
		t.Error("Unbind by the current owner should succeed")
	}
	if s, _ := r.Get("a"); s.Attached {
		t.Error("session should be detached")
	}
}

func TestRegistryBindMissing(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Bind("missing", "one", func() {}); !IsNotFound(err) {
		t.Errorf("Bind(missing) error = %v, want not found", err)
	}
}

func TestRegistryClaim(t *testing.T) {
	r := NewRegistry()
	r.Put(Session{ContainerID: "a"})

	called := false
	if _, err := r.Bind("a", "one", func() { called = true }); err != nil {
		t.Fatalf("Bind error = %v", err)
	}

	detach, err := r.claim("a")
	if err != nil {
		t.Fatalf("claim error = %v", err)
	}
	if detach == nil {
		t.Fatal("claim should return the attachment's detach")
	}
	detach()
	if !called {
		t.Error("detach was not the bound function")
	}

	if _, ok := r.Get("a"); ok {
		t.Error("claimed session should be hidden from Get")
	}
	if len(r.Values()) != 0 {
		t.Error("claimed session should be hidden from Values")
	}
	if _, err := r.claim("a"); !IsNotFound(err) {
		t.Errorf("second claim error = %v, want not found", err)
	}

	r.unclaim("a")
	if _, ok := r.Get("a"); !ok {
		t.Error("unclaimed session should be visible again")
	}
}

func TestRegistryTakeAttachment(t *testing.T) {
	r := NewRegistry()
	r.Put(Session{ContainerID: "a"})

	detach, err := r.TakeAttachment("a")
	if err != nil || detach != nil {
		t.Errorf("TakeAttachment on unattached = (%v, %v), want (nil, nil)", detach != nil, err)
	}

	if _, err := r.Bind("a", "one", func() {}); err != nil {
		t.Fatalf("Bind error = %v", err)
	}
	detach, err = r.TakeAttachment("a")
	if err != nil || detach == nil {
		t.Fatalf("TakeAttachment = (%v, %v), want detach", detach != nil, err)
	}
	if s, _ := r.Get("a"); s.Attached {
		t.Error("session should be detached after TakeAttachment")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			r.Put(Session{ContainerID: id})
			r.Touch(id, time.Now())
			_, _ = r.Bind(id, "owner", func() {})
			_ = r.Values()
			if i%2 == 0 {
				r.Remove(id)
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != 25 {
		t.Errorf("Len = %d, want 25", r.Len())
	}
}
