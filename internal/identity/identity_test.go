package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/park285/Cheese-Caro/internal/apperr"
)

const testSecret = "0123456789abcdef0123"

func TestJWTRoundTrip(t *testing.T) {
	r := NewJWTResolver(testSecret, "caro", "caro-clients")
	tok, err := r.Issue(Identity{UserID: "u1", IsGuest: true, DisplayName: "Guest 1"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := r.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "u1" || !id.IsGuest || id.DisplayName != "Guest 1" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestJWTRejects(t *testing.T) {
	r := NewJWTResolver(testSecret, "caro", "caro-clients")
	good, err := r.Issue(Identity{UserID: "u1"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	expired, _ := r.Issue(Identity{UserID: "u1"}, -time.Minute)
	otherAud, _ := NewJWTResolver(testSecret, "caro", "someone-else").Issue(Identity{UserID: "u1"}, time.Hour)
	otherKey, _ := NewJWTResolver("ffffffffffffffffffff", "caro", "caro-clients").Issue(Identity{UserID: "u1"}, time.Hour)

	cases := map[string]string{
		"empty":          "",
		"garbage":        "not.a.token",
		"expired":        expired,
		"wrong audience": otherAud,
		"wrong key":      otherKey,
		"tampered":       good[:len(good)-2] + "xx",
	}
	for name, tok := range cases {
		if _, err := r.Verify(context.Background(), tok); !errors.Is(err, apperr.ErrUnauthenticated) {
			t.Fatalf("%s: expected UNAUTHENTICATED, got %v", name, err)
		}
	}
}

func TestRemoteResolverRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/verify" || req.Method != http.MethodPost {
			http.NotFound(w, req)
			return
		}
		var body verifyRequest
		_ = json.NewDecoder(req.Body).Decode(&body)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if body.Token != "tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(Identity{UserID: "remote-user", DisplayName: "Remote"})
	}))
	defer srv.Close()

	r := NewRemoteResolver(srv.URL+"/", WithRetry(3), WithTimeout(2*time.Second))
	id, err := r.Verify(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "remote-user" || calls.Load() != 3 {
		t.Fatalf("id=%+v calls=%d", id, calls.Load())
	}
}

func TestRemoteResolverRejection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	r := NewRemoteResolver(srv.URL)
	_, err := r.Verify(context.Background(), "bad")
	if !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("expected UNAUTHENTICATED, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("401 must not be retried, calls=%d", calls.Load())
	}
}

func TestRemoteResolverExhaustedIsInternal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewRemoteResolver(srv.URL, WithRetry(2)).Verify(context.Background(), "tok")
	if apperr.KindOf(err) != apperr.KindInternal {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestBackoffDuration(t *testing.T) {
	want := []time.Duration{100, 200, 400, 800, 1600, 3200, 3200}
	for i, w := range want {
		if got := backoffDuration(i + 1); got != w*time.Millisecond {
			t.Fatalf("attempt %d: %v", i+1, got)
		}
	}
}
