package queue

// Status is the serving status of a token entry
type Status string

// The statuses the kiosk knows about. The server may send others, for example "served" or
// "cancelled"; they are kept verbatim and are never displayed as next token.
const (
	StatusWaiting Status = "waiting"
	StatusServing Status = "serving"
	StatusDone    Status = "done"
	StatusSkipped Status = "skipped"
)

// TokenEntry is a single token in a queue snapshot
type TokenEntry struct {
	Token                int    `json:"token"`
	Status               Status `json:"status"`
	Name                 string `json:"name,omitempty"`
	WaitingTimeHuman     string `json:"waitingTimeHuman,omitempty"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds,omitempty"`
}

// Snapshot is the complete queue state as broadcast by the server
type Snapshot struct {
	Entries           []TokenEntry `json:"entries"`
	LastToken         int          `json:"lastToken"`
	AvgServiceSeconds float64      `json:"avgServiceSeconds,omitempty"`
}

// NextToDisplay returns the first entry with status waiting, in server order. The order is
// authoritative and is never re-sorted here.
func (s *Snapshot) NextToDisplay() (TokenEntry, bool) {
	for _, e := range s.Entries {
		if e.Status == StatusWaiting {
			return e, true
		}
	}
	return TokenEntry{}, false
}

// Waiting returns the number of waiting entries
func (s *Snapshot) Waiting() int {
	n := 0
	for _, e := range s.Entries {
		if e.Status == StatusWaiting {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the snapshot
func (s *Snapshot) Clone() Snapshot {
	c := *s
	if s.Entries != nil {
		c.Entries = make([]TokenEntry, len(s.Entries))
		copy(c.Entries, s.Entries)
	}
	return c
}
