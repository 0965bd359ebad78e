package gateway

import (
	"sync"
	"testing"
	"time"
)

func TestRegistrySubscriptionsReplace(t *testing.T) {
	r := NewRegistry()
	a := newFakeConn("a", "u1")
	if err := r.Add(a); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !r.SubscribeRoom("a", "ROOM1") || !r.SubscribeRoom("a", "ROOM1") {
		t.Fatalf("SubscribeRoom should succeed and be idempotent")
	}
	r.SubscribeRoom("a", "ROOM2")
	if len(r.Members(roomChannel("ROOM1"))) != 0 || len(r.Members(roomChannel("ROOM2"))) != 1 {
		t.Fatalf("room subscription was not replaced")
	}
	if r.SubscribeRoom("missing", "ROOM1") {
		t.Fatalf("unknown connection must not subscribe")
	}

	r.SubscribeMatch("a", "m1")
	room, match, ok := r.Remove("a")
	if !ok || room != "ROOM2" || match != "m1" {
		t.Fatalf("Remove = %q %q %v", room, match, ok)
	}
	if len(r.channels) != 0 || len(r.byUser) != 0 || r.Len() != 0 {
		t.Fatalf("registry not empty after remove: %+v", r.channels)
	}
	if _, _, ok := r.Remove("a"); ok {
		t.Fatalf("second Remove must report false")
	}
}

func TestRegistryUserSubscribedAndPlayerRef(t *testing.T) {
	r := NewRegistry()
	tab1 := newFakeConn("t1", "u1")
	tab2 := newFakeConn("t2", "u1")
	_ = r.Add(tab1)
	_ = r.Add(tab2)
	r.SubscribeRoom("t1", "ROOM1")

	if !r.UserSubscribed("u1", roomChannel("ROOM1")) {
		t.Fatalf("u1 should be subscribed through t1")
	}
	r.UnsubscribeRoom("t1")
	if r.UserSubscribed("u1", roomChannel("ROOM1")) {
		t.Fatalf("u1 should no longer be subscribed")
	}

	if s, ok := r.PlayerRef("u1").Summary(); !ok || s.DisplayName != "Name u1" {
		t.Fatalf("live user should resolve, got %+v", s)
	}
	if _, ok := r.PlayerRef("ghost").Summary(); ok {
		t.Fatalf("unknown user must stay unresolved")
	}
}

func TestRegistryDropRoom(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		_ = r.Add(newFakeConn(id, "u-"+id))
	}
	r.SubscribeRoom("a", "ROOM1")
	r.SubscribeRoom("b", "ROOM1")
	r.SubscribeRoom("c", "ROOM2")

	if n := r.DropRoom("ROOM1"); n != 2 {
		t.Fatalf("DropRoom = %d, want 2", n)
	}
	if r.RoomOf("a") != "" || r.RoomOf("b") != "" || r.RoomOf("c") != "ROOM2" {
		t.Fatalf("subscriptions after drop: a=%q b=%q c=%q", r.RoomOf("a"), r.RoomOf("b"), r.RoomOf("c"))
	}
	if n := r.DropRoom("ROOM1"); n != 0 {
		t.Fatalf("second DropRoom = %d", n)
	}
	// A dropped connection can subscribe again.
	if !r.SubscribeRoom("a", "ROOM1") || len(r.Members(roomChannel("ROOM1"))) != 1 {
		t.Fatalf("resubscribe failed")
	}
}

func TestKeyedMutexSerialisesPerKey(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("room:A")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("%d goroutines held the same key at once", maxSeen)
	}
	if k.size() != 0 {
		t.Fatalf("idle entries leaked: %d", k.size())
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on b blocked behind a")
	}
	unlockA()
}

func TestValidators(t *testing.T) {
	if code, err := normalizeRoomCode(" ab12cd "); err != nil || code != "AB12CD" {
		t.Fatalf("normalizeRoomCode = %q, %v", code, err)
	}
	for _, bad := range []string{"", "abc", "ABCDEFGHIJK", "AB-12"} {
		if _, err := normalizeRoomCode(bad); err == nil {
			t.Fatalf("%q should be rejected", bad)
		}
	}
	if _, err := validateMatchID("6F1C1F9E-8F38-4A55-9A4B-1C3F5C2A7E10"); err != nil {
		t.Fatalf("upper-case uuid rejected: %v", err)
	}
	if _, err := validateCoord("x", intp(-1)); err == nil {
		t.Fatalf("negative coordinate accepted")
	}
	if v, err := validateCoord("x", intp(19)); err != nil || v != 19 {
		t.Fatalf("validateCoord(19) = %d, %v", v, err)
	}
	if _, err := validateLimit(-1); err == nil {
		t.Fatalf("negative limit accepted")
	}
}
