package matchstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/park285/Cheese-Caro/internal/domain"
)

// Runs only against a real Postgres: CARO_TEST_DATABASE_URL=postgres://...
func TestRepositoryRoundTrip(t *testing.T) {
	url := os.Getenv("CARO_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CARO_TEST_DATABASE_URL not set")
	}
	repo, err := NewRepository(url)
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	start := time.Now().UTC().Truncate(time.Millisecond)
	end := start.Add(90 * time.Second)
	m := &domain.Match{
		ID:          "repo-test-" + start.Format("150405.000"),
		RoomCode:    "ABC123",
		Players:     roster(),
		BoardSize:   15,
		History:     []domain.Move{{X: 7, Y: 7, PlayerID: "userA", Timestamp: start}},
		Result:      domain.ResultAbandoned,
		Winner:      "userB",
		Termination: domain.TerminationForfeit,
		StartTime:   start,
		EndTime:     &end,
	}
	ctx := context.Background()
	if err := repo.SaveResult(ctx, m); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	if err := repo.SaveResult(ctx, m); err != nil {
		t.Fatalf("SaveResult upsert: %v", err)
	}
	got, err := repo.Get(ctx, m.ID)
	if err != nil || got == nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Winner != "userB" || len(got.History) != 1 || len(got.Players) != 2 || got.EndTime == nil {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if missing, err := repo.Get(ctx, "does-not-exist"); err != nil || missing != nil {
		t.Fatalf("unknown id should be (nil, nil), got %v %v", missing, err)
	}
}
