// Package ledgertest holds a conformance suite run against every ledger.Store.
package ledgertest

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/presence-ledger/internal/domain"
	"github.com/presence-ledger/internal/ledger"
)

// StoreSuite exercises the ledger.Store contract. NewStore is called before each test.
type StoreSuite struct {
	suite.Suite
	NewStore func() ledger.Store

	store ledger.Store
	ctx   context.Context
}

var (
	day1 = time.Date(2024, 7, 26, 0, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 7, 27, 0, 0, 0, 0, time.UTC)
	day3 = time.Date(2024, 7, 28, 0, 0, 0, 0, time.UTC)
)

func (s *StoreSuite) SetupTest() {
	s.store = s.NewStore()
	s.ctx = context.Background()
}

func (s *StoreSuite) TearDownTest() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

func (s *StoreSuite) mustUpsertPlayer(p domain.Player) {
	s.Require().NoError(s.store.UpsertPlayer(s.ctx, p))
}

func (s *StoreSuite) mustUpsertSession(playerID string, date time.Time, played int64) {
	s.Require().NoError(s.store.UpsertSession(s.ctx, domain.Session{
		PlayerID:   playerID,
		Date:       date,
		TimePlayed: played,
	}))
}

// Player tests

func (s *StoreSuite) TestUpsertAndFindPlayer() {
	s.mustUpsertPlayer(domain.Player{ID: "p1", Name: "Alice", Status: domain.StatusOnline(), TotalPlayTime: 60})

	player, err := s.store.FindPlayer(s.ctx, "p1")
	s.Require().NoError(err)
	s.Equal("Alice", player.Name)
	s.True(player.Status.IsOnline())
	s.Equal(int64(60), player.TotalPlayTime)

	byName, err := s.store.FindPlayerByName(s.ctx, "Alice")
	s.Require().NoError(err)
	s.Equal("p1", byName.ID)
}

func (s *StoreSuite) TestUpsertPlayerOverwritesMutableFields() {
	s.mustUpsertPlayer(domain.Player{ID: "p1", Name: "Alice", Status: domain.StatusOnline(), TotalPlayTime: 60})
	s.mustUpsertPlayer(domain.Player{ID: "p1", Name: "Alicia", Status: domain.StatusOfflineSince(day2), TotalPlayTime: 120})

	player, err := s.store.FindPlayer(s.ctx, "p1")
	s.Require().NoError(err)
	s.Equal("Alicia", player.Name)
	s.Equal(int64(120), player.TotalPlayTime)
	last, ok := player.Status.LastOnline()
	s.True(ok)
	s.True(day2.Equal(last))

	_, err = s.store.FindPlayerByName(s.ctx, "Alice")
	s.ErrorIs(err, domain.ErrPlayerNotFound)
}

func (s *StoreSuite) TestFindPlayerNotFound() {
	_, err := s.store.FindPlayer(s.ctx, "nonexistent")
	s.ErrorIs(err, domain.ErrPlayerNotFound)
	s.NotErrorIs(err, domain.ErrStoreUnavailable)

	_, err = s.store.FindPlayerByName(s.ctx, "nobody")
	s.ErrorIs(err, domain.ErrPlayerNotFound)
}

func (s *StoreSuite) TestFindPlayerByNameLatestWins() {
	s.mustUpsertPlayer(domain.Player{ID: "p1", Name: "Steve", Status: domain.StatusOnline()})
	s.mustUpsertPlayer(domain.Player{ID: "p2", Name: "Steve", Status: domain.StatusOnline()})

	found, err := s.store.FindPlayerByName(s.ctx, "Steve")
	s.Require().NoError(err)
	s.Equal("p2", found.ID)

	// Going offline in bulk does not change who holds the name.
	_, err = s.store.BulkMarkOffline(s.ctx, day1)
	s.Require().NoError(err)
	found, err = s.store.FindPlayerByName(s.ctx, "Steve")
	s.Require().NoError(err)
	s.Equal("p2", found.ID)

	s.mustUpsertPlayer(domain.Player{ID: "p1", Name: "Steve", Status: domain.StatusOnline(), TotalPlayTime: 60})

	found, err = s.store.FindPlayerByName(s.ctx, "Steve")
	s.Require().NoError(err)
	s.Equal("p1", found.ID)
	s.Equal(int64(60), found.TotalPlayTime)
}

func (s *StoreSuite) TestListOnlineAndBulkMarkOffline() {
	s.mustUpsertPlayer(domain.Player{ID: "p1", Name: "Alice", Status: domain.StatusOnline()})
	s.mustUpsertPlayer(domain.Player{ID: "p2", Name: "Bob", Status: domain.StatusOnline()})
	s.mustUpsertPlayer(domain.Player{ID: "p3", Name: "Carol", Status: domain.StatusOfflineSince(day1)})

	online, err := s.store.ListOnlinePlayers(s.ctx)
	s.Require().NoError(err)
	s.Len(online, 2)

	n, err := s.store.BulkMarkOffline(s.ctx, day3)
	s.Require().NoError(err)
	s.Equal(int64(2), n)

	online, err = s.store.ListOnlinePlayers(s.ctx)
	s.Require().NoError(err)
	s.Empty(online)

	alice, err := s.store.FindPlayer(s.ctx, "p1")
	s.Require().NoError(err)
	last, ok := alice.Status.LastOnline()
	s.True(ok)
	s.True(day3.Equal(last))

	carol, err := s.store.FindPlayer(s.ctx, "p3")
	s.Require().NoError(err)
	last, _ = carol.Status.LastOnline()
	s.True(day1.Equal(last), "players already offline keep their date")
}

// Session tests

func (s *StoreSuite) TestUpsertAndFindSession() {
	s.mustUpsertPlayer(domain.Player{ID: "p1", Name: "Alice", Status: domain.StatusOnline()})
	s.mustUpsertSession("p1", day1, 60)
	s.mustUpsertSession("p1", day1, 120)

	session, err := s.store.FindSession(s.ctx, "p1", day1)
	s.Require().NoError(err)
	s.Equal(int64(120), session.TimePlayed)
	s.True(day1.Equal(session.Date))

	_, err = s.store.FindSession(s.ctx, "p1", day2)
	s.ErrorIs(err, domain.ErrSessionNotFound)
}

func (s *StoreSuite) TestListSessionsInRangeOrdering() {
	s.mustUpsertPlayer(domain.Player{ID: "p1", Name: "Alice"})
	s.mustUpsertPlayer(domain.Player{ID: "p2", Name: "Bob"})
	s.mustUpsertSession("p2", day2, 30)
	s.mustUpsertSession("p1", day2, 60)
	s.mustUpsertSession("p1", day1, 90)
	s.mustUpsertSession("p1", day3, 10)

	sessions, err := s.store.ListSessionsInRange(s.ctx, day1, day2)
	s.Require().NoError(err)
	s.Require().Len(sessions, 3)

	s.Equal("p1", sessions[0].PlayerID)
	s.True(day1.Equal(sessions[0].Date))
	s.Equal("p2", sessions[1].PlayerID, "same day keeps insertion order")
	s.Equal("Bob", sessions[1].Player.Name)
	s.Equal("p1", sessions[2].PlayerID)
	s.Equal("Alice", sessions[2].Player.Name)

	empty, err := s.store.ListSessionsInRange(s.ctx, day3, day1)
	s.Require().NoError(err)
	s.Empty(empty)
}

func (s *StoreSuite) TestListPlayerSessionsAndCount() {
	s.mustUpsertPlayer(domain.Player{ID: "p1", Name: "Alice"})
	s.mustUpsertPlayer(domain.Player{ID: "p2", Name: "Bob"})
	s.mustUpsertSession("p1", day3, 10)
	s.mustUpsertSession("p1", day1, 90)
	s.mustUpsertSession("p2", day2, 30)

	sessions, err := s.store.ListPlayerSessions(s.ctx, "p1", day1, day3)
	s.Require().NoError(err)
	s.Require().Len(sessions, 2)
	s.True(day1.Equal(sessions[0].Date))
	s.True(day3.Equal(sessions[1].Date))

	count, err := s.store.CountActivePlayers(s.ctx, day1, day3)
	s.Require().NoError(err)
	s.Equal(int64(2), count)

	count, err = s.store.CountActivePlayers(s.ctx, day3, day3)
	s.Require().NoError(err)
	s.Equal(int64(1), count)
}

func (s *StoreSuite) TestPing() {
	s.NoError(s.store.Ping(s.ctx))
}
