package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// statusOnline is the JSON rendering of an online Status
const statusOnline = "online"

// Status is a player's presence: either online right now or offline since a day.
type Status struct {
	online   bool
	lastSeen time.Time
}

// StatusOnline returns the status of a player in the current snapshot.
func StatusOnline() Status {
	return Status{online: true}
}

// StatusOfflineSince returns the status of a player last seen on day.
func StatusOfflineSince(day time.Time) Status {
	return Status{lastSeen: day}
}

// IsOnline reports whether the player was in the latest snapshot.
func (s Status) IsOnline() bool {
	return s.online
}

// LastOnline returns the day the player was last seen. ok is false while online.
func (s Status) LastOnline() (day time.Time, ok bool) {
	if s.online {
		return time.Time{}, false
	}
	return s.lastSeen, true
}

func (s Status) String() string {
	if s.online {
		return statusOnline
	}
	return FormatDate(s.lastSeen)
}

// MarshalJSON renders "online" or the YYYY-MM-DD last-online day.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the MarshalJSON forms.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}
	if raw == statusOnline {
		*s = StatusOnline()
		return nil
	}
	day, err := ParseDate(raw)
	if err != nil {
		return err
	}
	*s = StatusOfflineSince(day)
	return nil
}

// Player represents a player ever seen on the game server
type Player struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Status        Status `json:"last_online"`
	TotalPlayTime int64  `json:"total_play_time"`
}

// OnlinePlayer is one entry of a status probe snapshot
type OnlinePlayer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
