package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/singleflight"

	"github.com/presence-ledger/internal/domain"
	"github.com/presence-ledger/internal/ledger"
)

// DefaultHistoryWindowDays is used by PlayerHistory for a non-positive window
const DefaultHistoryWindowDays = 30

// QueryCache stores aggregate query results between poll cycles.
// EntryKey pins a query key to the cache contents current at the time of
// the call; Get and Set take that entry key. Get reports false on a miss.
type QueryCache interface {
	EntryKey(ctx context.Context, key string) (string, error)
	Get(ctx context.Context, entry string, dest any) (bool, error)
	Set(ctx context.Context, entry string, value any) error
}

// Aggregator answers read-only queries over the ledger
type Aggregator struct {
	store    ledger.Store
	cache    QueryCache
	clock    quartz.Clock
	loc      *time.Location
	mapStart time.Time
	logger   *slog.Logger
	group    singleflight.Group
}

// NewAggregator creates a new aggregator. cache may be nil.
func NewAggregator(
	store ledger.Store,
	cache QueryCache,
	clock quartz.Clock,
	loc *time.Location,
	mapStart time.Time,
	logger *slog.Logger,
) *Aggregator {
	return &Aggregator{
		store:    store,
		cache:    cache,
		clock:    clock,
		loc:      loc,
		mapStart: domain.Day(mapStart, time.UTC),
		logger:   logger,
	}
}

// Today returns the current calendar day
func (a *Aggregator) Today() time.Time {
	return domain.Day(a.clock.Now(), a.loc)
}

// TopPlayers sums session playtime per player over [start, end] and returns
// the top limit players, highest first. Equal totals keep the order in which
// the players first appear in the session listing.
func (a *Aggregator) TopPlayers(ctx context.Context, start, end time.Time, limit int) ([]domain.PlayerPlaytime, error) {
	if limit <= 0 || start.After(end) {
		return []domain.PlayerPlaytime{}, nil
	}

	key := fmt.Sprintf("top:%s:%s:%d", domain.FormatDate(start), domain.FormatDate(end), limit)
	var result []domain.PlayerPlaytime
	err := a.cached(ctx, key, &result, func() (any, error) {
		return a.topPlayers(ctx, start, end, limit)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (a *Aggregator) topPlayers(ctx context.Context, start, end time.Time, limit int) ([]domain.PlayerPlaytime, error) {
	sessions, err := a.store.ListSessionsInRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	index := make(map[string]int)
	totals := make([]domain.PlayerPlaytime, 0)
	for _, s := range sessions {
		i, ok := index[s.PlayerID]
		if !ok {
			i = len(totals)
			index[s.PlayerID] = i
			totals = append(totals, domain.PlayerPlaytime{
				PlayerID:   s.PlayerID,
				PlayerName: s.Player.Name,
			})
		}
		totals[i].Playtime += s.TimePlayed
	}

	sort.SliceStable(totals, func(i, j int) bool {
		return totals[i].Playtime > totals[j].Playtime
	})

	if len(totals) > limit {
		totals = totals[:limit]
	}
	return totals, nil
}

// DayTopPlayers ranks today's playtime
func (a *Aggregator) DayTopPlayers(ctx context.Context, limit int) ([]domain.PlayerPlaytime, error) {
	today := a.Today()
	return a.TopPlayers(ctx, today, today, limit)
}

// WeekTopPlayers ranks playtime since Monday
func (a *Aggregator) WeekTopPlayers(ctx context.Context, limit int) ([]domain.PlayerPlaytime, error) {
	today := a.Today()
	return a.TopPlayers(ctx, domain.StartOfWeek(today), today, limit)
}

// MonthTopPlayers ranks playtime since the first of the month
func (a *Aggregator) MonthTopPlayers(ctx context.Context, limit int) ([]domain.PlayerPlaytime, error) {
	today := a.Today()
	return a.TopPlayers(ctx, domain.StartOfMonth(today), today, limit)
}

// MapTopPlayers ranks playtime since the current map went live
func (a *Aggregator) MapTopPlayers(ctx context.Context, limit int) ([]domain.PlayerPlaytime, error) {
	return a.TopPlayers(ctx, a.mapStart, a.Today(), limit)
}

// OnlinePlayers returns the players seen in the latest cycle
func (a *Aggregator) OnlinePlayers(ctx context.Context) ([]domain.Player, error) {
	players, err := a.store.ListOnlinePlayers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing online players: %w", err)
	}
	if players == nil {
		players = []domain.Player{}
	}
	return players, nil
}

// Player returns the ledger row for id
func (a *Aggregator) Player(ctx context.Context, id string) (*domain.Player, error) {
	player, err := a.store.FindPlayer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding player: %w", err)
	}
	return player, nil
}

// DistinctActivePlayerCount counts players with a session in the windowDays
// days ending today.
func (a *Aggregator) DistinctActivePlayerCount(ctx context.Context, windowDays int) (int64, error) {
	if windowDays <= 0 {
		return 0, nil
	}

	today := a.Today()
	start := domain.AddDays(today, -(windowDays - 1))
	key := fmt.Sprintf("active:%s:%s", domain.FormatDate(start), domain.FormatDate(today))

	var count int64
	err := a.cached(ctx, key, &count, func() (any, error) {
		n, err := a.store.CountActivePlayers(ctx, start, today)
		if err != nil {
			return nil, fmt.Errorf("counting active players: %w", err)
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// PlayerHistory returns one session per day for the windowDays days ending
// today, with zero-length placeholders for days the player was not seen.
// It returns nil when no player has the name.
func (a *Aggregator) PlayerHistory(ctx context.Context, name string, windowDays int) (*domain.PlayerQuery, error) {
	if windowDays <= 0 {
		windowDays = DefaultHistoryWindowDays
	}

	player, err := a.store.FindPlayerByName(ctx, name)
	if err != nil {
		if domain.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding player: %w", err)
	}

	today := a.Today()
	start := domain.AddDays(today, -(windowDays - 1))
	sessions, err := a.store.ListPlayerSessions(ctx, player.ID, start, today)
	if err != nil {
		return nil, fmt.Errorf("listing player sessions: %w", err)
	}

	byDay := make(map[time.Time]domain.Session, len(sessions))
	var total int64
	for _, s := range sessions {
		byDay[s.Date] = s
		total += s.TimePlayed
	}

	history := make([]domain.Session, 0, windowDays)
	for day := start; !day.After(today); day = domain.AddDays(day, 1) {
		if s, ok := byDay[day]; ok {
			history = append(history, s)
			continue
		}
		history = append(history, domain.Session{PlayerID: player.ID, Date: day})
	}

	return &domain.PlayerQuery{
		Player:        *player,
		Sessions:      history,
		TotalPlaytime: total,
	}, nil
}

// cached serves key from the query cache, falling back to load. Identical
// concurrent loads share one store query. Cache failures are only logged.
func (a *Aggregator) cached(ctx context.Context, key string, dest any, load func() (any, error)) error {
	flight := key
	var entry string
	if a.cache != nil {
		// The entry is resolved before loading, so a result computed while a
		// cycle invalidates the cache lands under the old generation.
		var err error
		entry, err = a.cache.EntryKey(ctx, key)
		if err != nil {
			a.logger.Warn("query cache read failed", "key", key, "error", err)
		} else {
			flight = entry
			hit, err := a.cache.Get(ctx, entry, dest)
			if err != nil {
				a.logger.Warn("query cache read failed", "key", key, "error", err)
			} else if hit {
				return nil
			}
		}
	}

	v, err, _ := a.group.Do(flight, func() (any, error) {
		value, err := load()
		if err != nil {
			return nil, err
		}
		if entry != "" {
			if err := a.cache.Set(ctx, entry, value); err != nil {
				a.logger.Warn("query cache write failed", "key", key, "error", err)
			}
		}
		return value, nil
	})
	if err != nil {
		return err
	}

	switch d := dest.(type) {
	case *[]domain.PlayerPlaytime:
		*d = v.([]domain.PlayerPlaytime)
	case *int64:
		*d = v.(int64)
	default:
		return fmt.Errorf("unsupported cache destination %T", dest)
	}
	return nil
}
