package matchstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/Cheese-Caro/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Repository archives finished matches in Postgres.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts a finished match.
func (r *Repository) SaveResult(ctx context.Context, m *domain.Match) error {
	if r == nil || r.db == nil || m == nil {
		return nil
	}
	history, err := json.Marshal(m.History)
	if err != nil {
		return err
	}
	var playerX, playerO string
	for _, p := range m.Players {
		switch p.Symbol {
		case domain.SymbolX:
			playerX = p.UserID
		case domain.SymbolO:
			playerO = p.UserID
		}
	}
	var endedAt sql.NullTime
	duration := int64(0)
	if m.EndTime != nil {
		endedAt = sql.NullTime{Time: *m.EndTime, Valid: true}
		duration = m.EndTime.Sub(m.StartTime).Milliseconds()
		if duration < 0 {
			duration = 0
		}
	}

	q := `INSERT INTO caro_matches (
        match_id, room_code, player_x, player_o, board_size,
        result, winner, termination, history, move_count,
        started_at, ended_at, duration_ms
      ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
      ) ON CONFLICT (match_id) DO UPDATE SET
        room_code=EXCLUDED.room_code,
        player_x=EXCLUDED.player_x,
        player_o=EXCLUDED.player_o,
        board_size=EXCLUDED.board_size,
        result=EXCLUDED.result,
        winner=EXCLUDED.winner,
        termination=EXCLUDED.termination,
        history=EXCLUDED.history,
        move_count=EXCLUDED.move_count,
        started_at=EXCLUDED.started_at,
        ended_at=EXCLUDED.ended_at,
        duration_ms=EXCLUDED.duration_ms`

	_, err = r.db.ExecContext(ctx, q,
		m.ID, m.RoomCode, playerX, playerO, m.BoardSize,
		string(m.Result), m.Winner, string(m.Termination), string(history), len(m.History),
		m.StartTime, endedAt, duration,
	)
	return err
}

// Get loads an archived match, or (nil, nil) when it is unknown.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Match, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	const q = `SELECT match_id, room_code, player_x, player_o, board_size,
        result, winner, termination, history, started_at, ended_at
      FROM caro_matches WHERE match_id = $1`
	var (
		m                domain.Match
		playerX, playerO string
		result, term     string
		history          []byte
		endedAt          sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&m.ID, &m.RoomCode, &playerX, &playerO, &m.BoardSize,
		&result, &m.Winner, &term, &history, &m.StartTime, &endedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(history, &m.History); err != nil {
		return nil, fmt.Errorf("decode history of %s: %w", id, err)
	}
	m.Result = domain.MatchResult(result)
	m.Termination = domain.Termination(term)
	if playerX != "" {
		m.Players = append(m.Players, domain.MatchPlayer{UserID: playerX, Symbol: domain.SymbolX})
	}
	if playerO != "" {
		m.Players = append(m.Players, domain.MatchPlayer{UserID: playerO, Symbol: domain.SymbolO})
	}
	if endedAt.Valid {
		t := endedAt.Time
		m.EndTime = &t
		m.UpdatedAt = t
	}
	return &m, nil
}
