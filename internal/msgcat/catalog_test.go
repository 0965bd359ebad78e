package msgcat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/park285/Cheese-Caro/internal/apperr"
)

func TestEmbeddedCatalogCoversEveryReason(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, r := range apperr.Reasons() {
		if _, err := c.Render("errors."+string(r), map[string]string{}); err != nil {
			t.Fatalf("reason %s: %v", r, err)
		}
	}
}

func TestErrorMessageUsesMetadata(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := c.ErrorMessage("USER_IN_ANOTHER_ROOM", map[string]string{"room_code": "QWE123"}, "fallback")
	if !strings.Contains(got, "QWE123") {
		t.Fatalf("metadata not rendered: %q", got)
	}
	got = c.ErrorMessage("ROOM_NOT_FOUND", nil, "fallback")
	if got != "The room does not exist." {
		t.Fatalf("missing metadata: %q", got)
	}
	if got := c.ErrorMessage("NO_SUCH_REASON", nil, "fallback"); got != "fallback" {
		t.Fatalf("unknown reason: %q", got)
	}
	var nilCat *Catalog
	if got := nilCat.ErrorMessage("ROOM_FULL", nil, "fallback"); got != "fallback" {
		t.Fatalf("nil catalog: %q", got)
	}
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("errors:\n  ROOM_FULL: \"Sorry, full.\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.ErrorMessage("ROOM_FULL", nil, ""); got != "Sorry, full." {
		t.Fatalf("override not applied: %q", got)
	}
	if got := c.ErrorMessage("NOT_HOST", nil, ""); got == "" {
		t.Fatalf("embedded key lost after override")
	}

	if err := os.WriteFile(filepath.Join(dir, "b.yml"), []byte("errors:\n  ROOM_FULL: \"Again.\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(dir); err == nil || !strings.Contains(err.Error(), "duplicate override key") {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
}

func TestNonStringLeafRejected(t *testing.T) {
	if _, err := parseYAMLToFlat([]byte("errors:\n  ROOM_FULL: 3\n")); err == nil {
		t.Fatalf("expected error for numeric leaf")
	}
}
