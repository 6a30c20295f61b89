// Package reconciler holds the kiosk's local view of the queue and replaces it with every
// valid snapshot the server broadcasts.
package reconciler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/queuekiosk/core/logger"
	"github.com/relabs-tech/queuekiosk/iot/queue"
)

// ErrMalformedMessage is returned for payloads which are not a valid queue snapshot
var ErrMalformedMessage = errors.New("malformed message")

const defaultStaleGrace = 30 * time.Second

// View is what the kiosk displays
type View struct {
	Entries           []queue.TokenEntry `json:"entries"`
	LastToken         int                `json:"lastToken"`
	AvgServiceSeconds float64            `json:"avgServiceSeconds,omitempty"`
	// NextToDisplay is the first waiting entry, nil if there is none
	NextToDisplay *queue.TokenEntry `json:"nextToDisplay"`
	// UpdatedAt is the time the last snapshot was applied, zero if there was none
	UpdatedAt time.Time `json:"updatedAt"`
	// Stale is true when the kiosk has been disconnected for longer than the grace period
	Stale bool `json:"stale"`
	// InterruptedAt is when the connection was lost, nil while synchronized. The view is
	// unconfirmed since then, stale or not.
	InterruptedAt *time.Time `json:"interruptedAt,omitempty"`
}

// Builder is a builder helper for the Reconciler
type Builder struct {
	// StaleGrace is how long the view stays fresh after an interruption. Default is 30s.
	StaleGrace time.Duration
	// Now is the clock. Default is time.Now.
	Now func() time.Time
	// Log is the logger. Default is logger.Default().
	Log *logrus.Entry
}

type snapshotState struct {
	snapshot  queue.Snapshot
	next      *queue.TokenEntry
	updatedAt time.Time
}

// Reconciler owns the local view. Snapshots are swapped atomically, so readers always see
// either the old or the new snapshot in full.
type Reconciler struct {
	grace time.Duration
	now   func() time.Time
	log   *logrus.Entry

	state         atomic.Pointer[snapshotState]
	interruptedAt atomic.Pointer[time.Time]

	mu            sync.Mutex
	malformed     uint64
	lastMalformed error
}

// New returns a reconciler with an empty view
func New(b *Builder) *Reconciler {
	r := &Reconciler{
		grace: b.StaleGrace,
		now:   b.Now,
		log:   b.Log,
	}
	if r.grace <= 0 {
		r.grace = defaultStaleGrace
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.log == nil {
		r.log = logger.Default()
	}
	r.state.Store(&snapshotState{snapshot: queue.Snapshot{Entries: []queue.TokenEntry{}}})
	return r
}

// OnSnapshot validates payload and replaces the view with it. An invalid payload is counted,
// leaves the view untouched and returns ErrMalformedMessage.
func (r *Reconciler) OnSnapshot(payload []byte) error {
	snapshot, err := queue.ParseSnapshot(payload)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		r.mu.Lock()
		r.malformed++
		r.lastMalformed = err
		r.mu.Unlock()
		r.log.WithError(err).Warnln("discarding snapshot")
		return err
	}
	if snapshot.Entries == nil {
		snapshot.Entries = []queue.TokenEntry{}
	}

	s := &snapshotState{snapshot: *snapshot, updatedAt: r.now()}
	if next, ok := snapshot.NextToDisplay(); ok {
		s.next = &next
	}
	r.state.Store(s)

	if s.next != nil {
		r.log.Debugf("snapshot applied: %d entries, last token %d, next %d", len(snapshot.Entries), snapshot.LastToken, s.next.Token)
	} else {
		r.log.Debugf("snapshot applied: %d entries, last token %d, nothing waiting", len(snapshot.Entries), snapshot.LastToken)
	}
	return nil
}

// Handle is a subscription handler feeding OnSnapshot
func (r *Reconciler) Handle(_ string, payload []byte) {
	// rejections are counted and logged by OnSnapshot
	_ = r.OnSnapshot(payload)
}

// CurrentView returns the current view. The returned view is a copy and may be modified.
func (r *Reconciler) CurrentView() View {
	s := r.state.Load()
	snapshot := s.snapshot.Clone()
	v := View{
		Entries:           snapshot.Entries,
		LastToken:         snapshot.LastToken,
		AvgServiceSeconds: snapshot.AvgServiceSeconds,
		UpdatedAt:         s.updatedAt,
	}
	if s.next != nil {
		next := *s.next
		v.NextToDisplay = &next
	}
	if at := r.interruptedAt.Load(); at != nil {
		interruptedAt := *at
		v.InterruptedAt = &interruptedAt
		v.Stale = !r.now().Before(interruptedAt.Add(r.grace))
	}
	return v
}

// MarkInterrupted records that the connection was lost at the given time. Repeated calls keep
// the first time until MarkSynchronized.
func (r *Reconciler) MarkInterrupted(at time.Time) {
	r.interruptedAt.CompareAndSwap(nil, &at)
}

// MarkSynchronized clears the interruption, the view is fresh again
func (r *Reconciler) MarkSynchronized() {
	r.interruptedAt.Store(nil)
}

// Malformed returns the number of rejected payloads and the last rejection
func (r *Reconciler) Malformed() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.malformed, r.lastMalformed
}
