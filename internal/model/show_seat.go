package model

import "time"

// SeatSnapshot is the availability of one show at a single instant. Held
// only contains holds that were still live at TakenAt. Each snapshot
// describes the whole seat map, so a newer one replaces an older one.
type SeatSnapshot struct {
	ShowID   ShowID          `json:"show_id"`
	Occupied []OccupiedEntry `json:"occupied"`
	Held     []HoldEntry     `json:"held"`
	TakenAt  time.Time       `json:"taken_at"`
}

// SeatState is the availability of one seat as derived from a snapshot.
type SeatState string

const (
	SeatFree     SeatState = "FREE"
	SeatHeld     SeatState = "HELD"
	SeatOccupied SeatState = "RESERVED"
)

// StateOf returns the state of seatID in the snapshot.
func (s SeatSnapshot) StateOf(seatID string) SeatState {
	for _, o := range s.Occupied {
		if o.SeatID == seatID {
			return SeatOccupied
		}
	}
	for _, h := range s.Held {
		if h.SeatID == seatID {
			return SeatHeld
		}
	}
	return SeatFree
}
