// Package sqlite provides a single-file ledger store for small deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/presence-ledger/internal/domain"
	"github.com/presence-ledger/internal/ledger"
)

// Store is a ledger store backed by SQLite
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Ensure Store implements the interface
var _ ledger.Store = (*Store)(nil)

// New opens (or creates) the database at path and applies the schema.
// Pass ":memory:" for a throwaway database.
func New(path string, logger *slog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, domain.StoreError("setting pragmas", err)
	}

	store := &Store{db: db, logger: logger}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS players (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			online INTEGER NOT NULL DEFAULT 0,
			last_online TEXT,
			total_play_time INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0,
			revision INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS player_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			player_id TEXT NOT NULL,
			date TEXT NOT NULL,
			time_played_in_session INTEGER,
			UNIQUE(player_id, date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_players_name ON players(name, revision)`,
		`CREATE INDEX IF NOT EXISTS idx_player_sessions_date ON player_sessions(date, id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return domain.StoreError("executing migration", err)
		}
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is usable
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.StoreError("pinging database", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const playerColumns = `id, name, online, last_online, total_play_time`

func scanPlayer(row rowScanner) (*domain.Player, error) {
	var (
		player     domain.Player
		online     bool
		lastOnline sql.NullString
	)
	if err := row.Scan(&player.ID, &player.Name, &online, &lastOnline, &player.TotalPlayTime); err != nil {
		return nil, err
	}
	status, err := statusFromColumns(online, lastOnline)
	if err != nil {
		return nil, err
	}
	player.Status = status
	return &player, nil
}

func statusFromColumns(online bool, lastOnline sql.NullString) (domain.Status, error) {
	if online {
		return domain.StatusOnline(), nil
	}
	if !lastOnline.Valid {
		return domain.StatusOfflineSince(time.Time{}), nil
	}
	day, err := domain.ParseDate(lastOnline.String)
	if err != nil {
		return domain.Status{}, err
	}
	return domain.StatusOfflineSince(day), nil
}

// Player operations

func (s *Store) FindPlayer(ctx context.Context, id string) (*domain.Player, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+playerColumns+` FROM players WHERE id = ?`, id)
	player, err := scanPlayer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, domain.StoreError("finding player", err)
	}
	return player, nil
}

func (s *Store) FindPlayerByName(ctx context.Context, name string) (*domain.Player, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+playerColumns+` FROM players WHERE name = ? ORDER BY revision DESC LIMIT 1`, name)
	player, err := scanPlayer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, domain.StoreError("finding player by name", err)
	}
	return player, nil
}

func (s *Store) UpsertPlayer(ctx context.Context, player domain.Player) error {
	var lastOnline sql.NullString
	if day, ok := player.Status.LastOnline(); ok {
		lastOnline = sql.NullString{String: domain.FormatDate(day), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO players (id, name, online, last_online, total_play_time, updated_at, revision)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(revision), 0) + 1 FROM players))
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			online = excluded.online,
			last_online = excluded.last_online,
			total_play_time = excluded.total_play_time,
			updated_at = excluded.updated_at,
			revision = excluded.revision`,
		player.ID, player.Name, player.Status.IsOnline(), lastOnline, player.TotalPlayTime, time.Now().UnixNano(),
	)
	if err != nil {
		return domain.StoreError("upserting player", err)
	}
	return nil
}

func (s *Store) ListOnlinePlayers(ctx context.Context) ([]domain.Player, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+playerColumns+` FROM players WHERE online = 1 ORDER BY id`)
	if err != nil {
		return nil, domain.StoreError("listing online players", err)
	}
	defer rows.Close()

	var players []domain.Player
	for rows.Next() {
		player, err := scanPlayer(rows)
		if err != nil {
			return nil, domain.StoreError("scanning player", err)
		}
		players = append(players, *player)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreError("listing online players", err)
	}
	return players, nil
}

func (s *Store) BulkMarkOffline(ctx context.Context, asOf time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE players SET online = 0, last_online = ?, updated_at = ? WHERE online = 1`,
		domain.FormatDate(asOf), time.Now().UnixNano(),
	)
	if err != nil {
		return 0, domain.StoreError("marking players offline", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, domain.StoreError("marking players offline", err)
	}
	return n, nil
}

// Session operations

func (s *Store) FindSession(ctx context.Context, playerID string, date time.Time) (*domain.Session, error) {
	var played sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT time_played_in_session FROM player_sessions WHERE player_id = ? AND date = ?`,
		playerID, domain.FormatDate(date),
	).Scan(&played)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, domain.StoreError("finding session", err)
	}
	return &domain.Session{PlayerID: playerID, Date: date, TimePlayed: played.Int64}, nil
}

func (s *Store) UpsertSession(ctx context.Context, session domain.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO player_sessions (player_id, date, time_played_in_session)
		VALUES (?, ?, ?)
		ON CONFLICT (player_id, date) DO UPDATE SET
			time_played_in_session = excluded.time_played_in_session`,
		session.PlayerID, domain.FormatDate(session.Date), session.TimePlayed,
	)
	if err != nil {
		return domain.StoreError("upserting session", err)
	}
	return nil
}

func (s *Store) ListSessionsInRange(ctx context.Context, start, end time.Time) ([]domain.PlayerSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.date, COALESCE(s.time_played_in_session, 0),
			p.id, p.name, p.online, p.last_online, p.total_play_time
		FROM player_sessions s
		JOIN players p ON p.id = s.player_id
		WHERE s.date >= ? AND s.date <= ?
		ORDER BY s.date, s.id`,
		domain.FormatDate(start), domain.FormatDate(end),
	)
	if err != nil {
		return nil, domain.StoreError("listing sessions", err)
	}
	defer rows.Close()

	var sessions []domain.PlayerSession
	for rows.Next() {
		var (
			ps         domain.PlayerSession
			date       string
			online     bool
			lastOnline sql.NullString
		)
		err := rows.Scan(&date, &ps.TimePlayed,
			&ps.Player.ID, &ps.Player.Name, &online, &lastOnline, &ps.Player.TotalPlayTime)
		if err != nil {
			return nil, domain.StoreError("scanning session", err)
		}
		if ps.Date, err = domain.ParseDate(date); err != nil {
			return nil, domain.StoreError("scanning session", err)
		}
		if ps.Player.Status, err = statusFromColumns(online, lastOnline); err != nil {
			return nil, domain.StoreError("scanning session", err)
		}
		ps.PlayerID = ps.Player.ID
		sessions = append(sessions, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreError("listing sessions", err)
	}
	return sessions, nil
}

func (s *Store) ListPlayerSessions(ctx context.Context, playerID string, start, end time.Time) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, COALESCE(time_played_in_session, 0)
		FROM player_sessions
		WHERE player_id = ? AND date >= ? AND date <= ?
		ORDER BY date`,
		playerID, domain.FormatDate(start), domain.FormatDate(end),
	)
	if err != nil {
		return nil, domain.StoreError("listing player sessions", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var (
			date    string
			session = domain.Session{PlayerID: playerID}
		)
		if err := rows.Scan(&date, &session.TimePlayed); err != nil {
			return nil, domain.StoreError("scanning session", err)
		}
		if session.Date, err = domain.ParseDate(date); err != nil {
			return nil, domain.StoreError("scanning session", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreError("listing player sessions", err)
	}
	return sessions, nil
}

func (s *Store) CountActivePlayers(ctx context.Context, start, end time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT player_id) FROM player_sessions WHERE date >= ? AND date <= ?`,
		domain.FormatDate(start), domain.FormatDate(end),
	).Scan(&count)
	if err != nil {
		return 0, domain.StoreError("counting active players", err)
	}
	return count, nil
}
