package models

// SyncStats holds the counters for one sync run. They are reset at the start
// of each full sync and surfaced to the user afterwards; nothing here is
// persisted.
type SyncStats struct {
	Sent       int      `json:"sent" doc:"Tasks sent during the last sync run"`
	Received   int      `json:"received" doc:"Tasks received from peers during the last sync run"`
	Errors     int      `json:"errors" doc:"Reconciliation errors during the last sync run"`
	ErrorDates []string `json:"error_dates,omitempty" doc:"Dates whose reconciliation failed"`
}

// AddErrorDate records a date string once, no matter how many tasks under it
// failed.
func (s *SyncStats) AddErrorDate(date string) {
	for _, d := range s.ErrorDates {
		if d == date {
			return
		}
	}
	s.ErrorDates = append(s.ErrorDates, date)
}

// PeerInfo describes a known peer for the observability API.
type PeerInfo struct {
	InstanceKey string `json:"instance_key"`
	Addr        string `json:"addr"`
	Port        int    `json:"port"`
	DisplayName string `json:"display_name"`
	LastSeen    string `json:"last_seen"`
}
