package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/presence-ledger/internal/config"
	"github.com/presence-ledger/internal/domain"
	"github.com/presence-ledger/internal/ledger"
)

// Repository provides the PostgreSQL-backed ledger store
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Ensure Repository implements the interface
var _ ledger.Store = (*Repository)(nil)

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, domain.StoreError("connecting to database", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// Ping checks that the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return domain.StoreError("pinging database", err)
	}
	return nil
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS players (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(64) NOT NULL,
			online BOOLEAN NOT NULL DEFAULT FALSE,
			last_online DATE,
			total_play_time BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS player_sessions (
			id BIGSERIAL PRIMARY KEY,
			player_id VARCHAR(64) NOT NULL,
			date DATE NOT NULL,
			time_played_in_session BIGINT,
			UNIQUE(player_id, date)
		)`,
		`CREATE SEQUENCE IF NOT EXISTS players_revision_seq`,
		`ALTER TABLE players ADD COLUMN IF NOT EXISTS revision BIGINT NOT NULL DEFAULT nextval('players_revision_seq')`,
		`DROP INDEX IF EXISTS idx_players_name`,
		`CREATE INDEX IF NOT EXISTS idx_players_name_revision ON players(name, revision DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_players_online ON players(online) WHERE online`,
		`CREATE INDEX IF NOT EXISTS idx_player_sessions_date ON player_sessions(date, id)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return domain.StoreError("executing migration", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

const playerColumns = `id, name, online, last_online, total_play_time`

// scanPlayer reads playerColumns from a row
func scanPlayer(row pgx.Row) (*domain.Player, error) {
	var (
		player     domain.Player
		online     bool
		lastOnline *time.Time
	)
	if err := row.Scan(&player.ID, &player.Name, &online, &lastOnline, &player.TotalPlayTime); err != nil {
		return nil, err
	}
	player.Status = statusFromColumns(online, lastOnline)
	return &player, nil
}

func statusFromColumns(online bool, lastOnline *time.Time) domain.Status {
	if online {
		return domain.StatusOnline()
	}
	if lastOnline == nil {
		return domain.StatusOfflineSince(time.Time{})
	}
	return domain.StatusOfflineSince(domain.Day(*lastOnline, time.UTC))
}

// statusColumns maps a Status onto the online / last_online columns
func statusColumns(status domain.Status) (bool, *time.Time) {
	if status.IsOnline() {
		return true, nil
	}
	day, _ := status.LastOnline()
	return false, &day
}

// FindPlayer retrieves a player by ID
func (r *Repository) FindPlayer(ctx context.Context, id string) (*domain.Player, error) {
	query := `SELECT ` + playerColumns + ` FROM players WHERE id = $1`
	player, err := scanPlayer(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, domain.StoreError("finding player", err)
	}
	return player, nil
}

// FindPlayerByName retrieves the most recently updated player with a display name
func (r *Repository) FindPlayerByName(ctx context.Context, name string) (*domain.Player, error) {
	query := `SELECT ` + playerColumns + ` FROM players WHERE name = $1 ORDER BY revision DESC LIMIT 1`
	player, err := scanPlayer(r.pool.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, domain.StoreError("finding player by name", err)
	}
	return player, nil
}

// UpsertPlayer inserts a player or overwrites its mutable fields
func (r *Repository) UpsertPlayer(ctx context.Context, player domain.Player) error {
	online, lastOnline := statusColumns(player.Status)
	query := `
		INSERT INTO players (id, name, online, last_online, total_play_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id)
		DO UPDATE SET
			name = EXCLUDED.name,
			online = EXCLUDED.online,
			last_online = EXCLUDED.last_online,
			total_play_time = EXCLUDED.total_play_time,
			updated_at = EXCLUDED.updated_at,
			revision = nextval('players_revision_seq')
	`
	_, err := r.pool.Exec(ctx, query, player.ID, player.Name, online, lastOnline, player.TotalPlayTime, time.Now())
	if err != nil {
		return domain.StoreError("upserting player", err)
	}
	return nil
}

// ListOnlinePlayers returns every player currently marked online
func (r *Repository) ListOnlinePlayers(ctx context.Context) ([]domain.Player, error) {
	query := `SELECT ` + playerColumns + ` FROM players WHERE online ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
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

// BulkMarkOffline moves every online player to offline as of the given day
func (r *Repository) BulkMarkOffline(ctx context.Context, asOf time.Time) (int64, error) {
	query := `UPDATE players SET online = FALSE, last_online = $1, updated_at = $2 WHERE online`
	result, err := r.pool.Exec(ctx, query, asOf, time.Now())
	if err != nil {
		return 0, domain.StoreError("marking players offline", err)
	}
	return result.RowsAffected(), nil
}

// FindSession retrieves a player's session for a day
func (r *Repository) FindSession(ctx context.Context, playerID string, date time.Time) (*domain.Session, error) {
	query := `
		SELECT player_id, date, COALESCE(time_played_in_session, 0)
		FROM player_sessions
		WHERE player_id = $1 AND date = $2
	`
	var session domain.Session
	err := r.pool.QueryRow(ctx, query, playerID, date).Scan(&session.PlayerID, &session.Date, &session.TimePlayed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, domain.StoreError("finding session", err)
	}
	session.Date = domain.Day(session.Date, time.UTC)
	return &session, nil
}

// UpsertSession inserts a session or overwrites its duration
func (r *Repository) UpsertSession(ctx context.Context, session domain.Session) error {
	query := `
		INSERT INTO player_sessions (player_id, date, time_played_in_session)
		VALUES ($1, $2, $3)
		ON CONFLICT (player_id, date)
		DO UPDATE SET time_played_in_session = EXCLUDED.time_played_in_session
	`
	_, err := r.pool.Exec(ctx, query, session.PlayerID, session.Date, session.TimePlayed)
	if err != nil {
		return domain.StoreError("upserting session", err)
	}
	return nil
}

// ListSessionsInRange retrieves sessions in [start, end] joined with their player
func (r *Repository) ListSessionsInRange(ctx context.Context, start, end time.Time) ([]domain.PlayerSession, error) {
	query := `
		SELECT s.player_id, s.date, COALESCE(s.time_played_in_session, 0),
			   p.id, p.name, p.online, p.last_online, p.total_play_time
		FROM player_sessions s
		JOIN players p ON p.id = s.player_id
		WHERE s.date >= $1 AND s.date <= $2
		ORDER BY s.date, s.id
	`
	rows, err := r.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, domain.StoreError("listing sessions", err)
	}
	defer rows.Close()

	var sessions []domain.PlayerSession
	for rows.Next() {
		var (
			ps         domain.PlayerSession
			online     bool
			lastOnline *time.Time
		)
		err := rows.Scan(
			&ps.PlayerID,
			&ps.Date,
			&ps.TimePlayed,
			&ps.Player.ID,
			&ps.Player.Name,
			&online,
			&lastOnline,
			&ps.Player.TotalPlayTime,
		)
		if err != nil {
			return nil, domain.StoreError("scanning session", err)
		}
		ps.Date = domain.Day(ps.Date, time.UTC)
		ps.Player.Status = statusFromColumns(online, lastOnline)
		sessions = append(sessions, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreError("listing sessions", err)
	}
	return sessions, nil
}

// ListPlayerSessions retrieves one player's sessions in [start, end]
func (r *Repository) ListPlayerSessions(ctx context.Context, playerID string, start, end time.Time) ([]domain.Session, error) {
	query := `
		SELECT player_id, date, COALESCE(time_played_in_session, 0)
		FROM player_sessions
		WHERE player_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date
	`
	rows, err := r.pool.Query(ctx, query, playerID, start, end)
	if err != nil {
		return nil, domain.StoreError("listing player sessions", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var session domain.Session
		if err := rows.Scan(&session.PlayerID, &session.Date, &session.TimePlayed); err != nil {
			return nil, domain.StoreError("scanning session", err)
		}
		session.Date = domain.Day(session.Date, time.UTC)
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreError("listing player sessions", err)
	}
	return sessions, nil
}

// CountActivePlayers counts distinct players with a session in [start, end]
func (r *Repository) CountActivePlayers(ctx context.Context, start, end time.Time) (int64, error) {
	query := `SELECT COUNT(DISTINCT player_id) FROM player_sessions WHERE date >= $1 AND date <= $2`
	var count int64
	if err := r.pool.QueryRow(ctx, query, start, end).Scan(&count); err != nil {
		return 0, domain.StoreError("counting active players", err)
	}
	return count, nil
}
