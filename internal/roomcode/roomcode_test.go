package roomcode

import "testing"

func TestGenerate(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(code) != Length {
			t.Fatalf("len(%q) = %d", code, len(code))
		}
		for _, r := range code {
			if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
				t.Fatalf("unexpected rune %q in %q", r, code)
			}
		}
		seen[code] = true
	}
	if len(seen) < 190 {
		t.Fatalf("too many collisions: %d distinct of 200", len(seen))
	}
}

func TestKeysDoNotOverlap(t *testing.T) {
	if RoomKey(" AB12CD ") != "caro:room:AB12CD" {
		t.Fatalf("RoomKey = %q", RoomKey(" AB12CD "))
	}
	if ReservedKey("AB12CD") == RoomKey("AB12CD") {
		t.Fatalf("reservation must not alias the room record")
	}
}
