package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/presence-ledger/internal/domain"
	"github.com/presence-ledger/internal/ledger"
)

// Store is an in-memory implementation of the ledger store
type Store struct {
	mu sync.RWMutex

	players  map[string]domain.Player
	updated  map[string]int64
	sessions map[sessionKey]*sessionRow
	nextSeq  int64
}

type sessionKey struct {
	playerID string
	date     time.Time
}

// sessionRow keeps insertion order so listings match the SQL stores
type sessionRow struct {
	seq     int64
	session domain.Session
}

// New creates a new in-memory ledger store
func New() *Store {
	return &Store{
		players:  make(map[string]domain.Player),
		updated:  make(map[string]int64),
		sessions: make(map[sessionKey]*sessionRow),
	}
}

// Ensure Store implements the interface
var _ ledger.Store = (*Store)(nil)

// Player operations

func (s *Store) FindPlayer(ctx context.Context, id string) (*domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	player, ok := s.players[id]
	if !ok {
		return nil, domain.ErrPlayerNotFound
	}
	return &player, nil
}

func (s *Store) FindPlayerByName(ctx context.Context, name string) (*domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Most recently written wins when a name moved between ids
	var found *domain.Player
	var latest int64
	for id, player := range s.players {
		if player.Name == name && s.updated[id] > latest {
			found, latest = &player, s.updated[id]
		}
	}
	if found == nil {
		return nil, domain.ErrPlayerNotFound
	}
	return found, nil
}

func (s *Store) UpsertPlayer(ctx context.Context, player domain.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	s.players[player.ID] = player
	s.updated[player.ID] = s.nextSeq
	return nil
}

func (s *Store) ListOnlinePlayers(ctx context.Context) ([]domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var players []domain.Player
	for _, player := range s.players {
		if player.Status.IsOnline() {
			players = append(players, player)
		}
	}
	sort.Slice(players, func(i, j int) bool { return players[i].ID < players[j].ID })
	return players, nil
}

func (s *Store) BulkMarkOffline(ctx context.Context, asOf time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, player := range s.players {
		if player.Status.IsOnline() {
			player.Status = domain.StatusOfflineSince(asOf)
			s.players[id] = player
			n++
		}
	}
	return n, nil
}

// Session operations

func (s *Store) FindSession(ctx context.Context, playerID string, date time.Time) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.sessions[sessionKey{playerID: playerID, date: date}]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	session := row.session
	return &session, nil
}

func (s *Store) UpsertSession(ctx context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{playerID: session.PlayerID, date: session.Date}
	if row, ok := s.sessions[key]; ok {
		row.session.TimePlayed = session.TimePlayed
		return nil
	}
	s.nextSeq++
	s.sessions[key] = &sessionRow{seq: s.nextSeq, session: session}
	return nil
}

func (s *Store) ListSessionsInRange(ctx context.Context, start, end time.Time) ([]domain.PlayerSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.rowsInRange("", start, end)
	sessions := make([]domain.PlayerSession, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, domain.PlayerSession{
			Session: row.session,
			Player:  s.players[row.session.PlayerID],
		})
	}
	return sessions, nil
}

func (s *Store) ListPlayerSessions(ctx context.Context, playerID string, start, end time.Time) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.rowsInRange(playerID, start, end)
	sessions := make([]domain.Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, row.session)
	}
	return sessions, nil
}

func (s *Store) CountActivePlayers(ctx context.Context, start, end time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, row := range s.rowsInRange("", start, end) {
		seen[row.session.PlayerID] = struct{}{}
	}
	return int64(len(seen)), nil
}

// rowsInRange must be called with the lock held. An empty playerID matches all players.
func (s *Store) rowsInRange(playerID string, start, end time.Time) []*sessionRow {
	var rows []*sessionRow
	for key, row := range s.sessions {
		if playerID != "" && key.playerID != playerID {
			continue
		}
		if key.date.Before(start) || key.date.After(end) {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].session.Date.Equal(rows[j].session.Date) {
			return rows[i].session.Date.Before(rows[j].session.Date)
		}
		return rows[i].seq < rows[j].seq
	})
	return rows
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}
