package domain

import "time"

// Session is a player's accumulated presence on one calendar day
type Session struct {
	PlayerID   string    `json:"player_id"`
	Date       time.Time `json:"date"`
	TimePlayed int64     `json:"time_played"`
}

// PlayerSession is a Session joined with its Player
type PlayerSession struct {
	Session
	Player Player `json:"player"`
}

// PlayerPlaytime is one leaderboard row: summed playtime over a date range
type PlayerPlaytime struct {
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
	Playtime   int64  `json:"playtime"`
}

// PlayerQuery is a player's recent daily history.
// Sessions has one entry per day of the window; days without play are zero.
type PlayerQuery struct {
	Player        Player    `json:"player"`
	Sessions      []Session `json:"sessions"`
	TotalPlaytime int64     `json:"total_playtime"`
}
