package domain

import "time"

// PresenceEventType identifies what a PresenceEvent reports
type PresenceEventType string

const (
	PresenceEventJoined PresenceEventType = "joined"
	PresenceEventLeft   PresenceEventType = "left"
	PresenceEventCycle  PresenceEventType = "cycle"
)

// CycleReport summarizes one completed reconciliation cycle
type CycleReport struct {
	Date      time.Time      `json:"date"`
	Increment int64          `json:"increment"`
	Online    []OnlinePlayer `json:"online"`
	Joined    []string       `json:"joined"`
	Left      []string       `json:"left"`
	NewCount  int            `json:"new_players"`
}

// PresenceEvent is the message published for joins, leaves and cycle summaries
type PresenceEvent struct {
	Type        PresenceEventType `json:"type"`
	PlayerID    string            `json:"player_id,omitempty"`
	PlayerName  string            `json:"player_name,omitempty"`
	Date        string            `json:"date"`
	OnlineCount int               `json:"online_count"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Events expands a report into the events published for it.
// Left players carry no name because the snapshot no longer has one.
func (r *CycleReport) Events(now time.Time) []PresenceEvent {
	names := make(map[string]string, len(r.Online))
	for _, p := range r.Online {
		names[p.ID] = p.Name
	}

	date := FormatDate(r.Date)
	events := make([]PresenceEvent, 0, len(r.Joined)+len(r.Left)+1)
	for _, id := range r.Joined {
		events = append(events, PresenceEvent{
			Type:        PresenceEventJoined,
			PlayerID:    id,
			PlayerName:  names[id],
			Date:        date,
			OnlineCount: len(r.Online),
			Timestamp:   now,
		})
	}
	for _, id := range r.Left {
		events = append(events, PresenceEvent{
			Type:        PresenceEventLeft,
			PlayerID:    id,
			Date:        date,
			OnlineCount: len(r.Online),
			Timestamp:   now,
		})
	}
	events = append(events, PresenceEvent{
		Type:        PresenceEventCycle,
		Date:        date,
		OnlineCount: len(r.Online),
		Timestamp:   now,
	})
	return events
}
