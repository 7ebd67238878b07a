package models

import "time"

type AttendanceRecord struct {
	EntryID       string    `json:"entryId"`
	OccurrenceKey string    `json:"occurrenceKey"`
	Subject       string    `json:"subject"`
	OccurrenceAt  time.Time `json:"occurrenceAt"`
	Present       []string  `json:"present"`

	Version int64 `json:"-"`
}

func AttendanceID(entryID, occurrenceKey string) string {
	return entryID + ":" + occurrenceKey
}

func (a *AttendanceRecord) Has(user string) bool {
	for _, p := range a.Present {
		if p == user {
			return true
		}
	}
	return false
}

type Feedback struct {
	ID     string    `json:"id"`
	UserID int64     `json:"userId"`
	From   string    `json:"from"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}
