// Package approval implements the in-memory registry of operations blocked
// on an explicit human decision.  Requests live for the life of the
// background process, across any number of approval UI sessions, until they
// are resolved by the trusted UI, rejected, or cancelled because the channel
// that originated them disconnected.
package approval

import (
	"crypto/rand"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/oklog/ulid/v2"
)

// Kind partitions pending requests by the type of human decision they wait
// for.
type Kind string

// The request kinds.
const (
	// KindSiteAuth is a site requesting authorization to talk to the
	// wallet.  At most one may be outstanding per origin.
	KindSiteAuth Kind = "siteAuthorization"

	// KindSign is a signing request.
	KindSign Kind = "sign"

	// KindEncrypt is a message encryption request.
	KindEncrypt Kind = "encrypt"

	// KindDecrypt is a message decryption request.
	KindDecrypt Kind = "decrypt"

	// KindAddNetwork is a network registration request.
	KindAddNetwork Kind = "addNetwork"
)

// Outcome is the terminal result of a pending request.  Exactly one of
// Result and Err is set.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// completion is a single-use continuation.  The buffered channel plus
// sync.Once makes double resolution structurally impossible rather than a
// runtime flag check.
type completion struct {
	once sync.Once
	ch   chan Outcome
}

func newCompletion() *completion {
	return &completion{ch: make(chan Outcome, 1)}
}

// complete fires the continuation.  It reports whether this call was the one
// that consumed it.
func (c *completion) complete(o Outcome) bool {
	fired := false
	c.once.Do(func() {
		c.ch <- o
		fired = true
	})
	return fired
}

// Request is one in-flight operation awaiting a human decision.
type Request struct {
	// ID is the server-generated request id the approval UI refers to.
	ID string

	// Kind partitions the request for counting and duplicate
	// suppression.
	Kind Kind

	// Origin is the requesting caller's origin.  For KindSiteAuth it is
	// the logical duplicate-suppression key.
	Origin string

	// ChannelID identifies the originating channel; the request is
	// cancelled when that channel disconnects.
	ChannelID string

	// Payload is the kind-specific request body, shown to the approver.
	Payload json.RawMessage

	// CreatedAt is when the request entered the queue.
	CreatedAt time.Time

	completion *completion
}

// Done returns the channel the single terminal outcome is delivered on.
func (r *Request) Done() <-chan Outcome {
	return r.completion.ch
}

// Queue is the registry of outstanding approval requests.  It is purely
// in-memory; nothing here survives a process restart by design, since the
// callers awaiting the outcomes do not either.
type Queue struct {
	mtx   sync.Mutex
	clock clock.Clock

	// entropy feeds request id generation.  The monotonic source makes
	// ids created within the same millisecond still sort in creation
	// order; it is guarded by the queue mutex.
	entropy io.Reader

	byID   map[string]*Request
	byKind map[Kind]map[string]*Request

	countWatchers []chan map[Kind]int
}

// NewQueue creates an empty queue using the passed clock for request
// timestamps.
func NewQueue(clk clock.Clock) *Queue {
	return &Queue{
		clock:   clk,
		entropy: ulid.Monotonic(rand.Reader, 0),
		byID:    make(map[string]*Request),
		byKind:  make(map[Kind]map[string]*Request),
	}
}

// Create registers a new pending request and returns it.  The caller awaits
// Request.Done.  For KindSiteAuth an outstanding request with the same
// origin causes an immediate ErrDuplicateRequest instead of queuing a second
// prompt.
func (q *Queue) Create(kind Kind, origin, channelID string, payload json.RawMessage) (*Request, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if kind == KindSiteAuth {
		for _, req := range q.byKind[kind] {
			if req.Origin == origin {
				return nil, ErrDuplicateRequest
			}
		}
	}

	req := &Request{
		ID:         ulid.MustNew(ulid.Now(), q.entropy).String(),
		Kind:       kind,
		Origin:     origin,
		ChannelID:  channelID,
		Payload:    payload,
		CreatedAt:  q.clock.Now(),
		completion: newCompletion(),
	}
	q.byID[req.ID] = req
	if q.byKind[kind] == nil {
		q.byKind[kind] = make(map[string]*Request)
	}
	q.byKind[kind][req.ID] = req

	log.Debugf("Queued pending %s request %s (origin %q)", kind, req.ID,
		origin)
	q.notifyCounts()
	return req, nil
}

// Get returns the pending request with the given id, or nil.
func (q *Queue) Get(id string) *Request {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.byID[id]
}

// Pending returns the outstanding requests of a kind, in creation order.
func (q *Queue) Pending(kind Kind) []*Request {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	out := make([]*Request, 0, len(q.byKind[kind]))
	for _, req := range q.byKind[kind] {
		out = append(out, req)
	}
	// ULIDs sort lexicographically by creation time.
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Resolve fulfills the pending request with a result, removing it from both
// indices.  An unknown id, including an already-completed one, is a no-op.
func (q *Queue) Resolve(id string, result json.RawMessage) bool {
	return q.finish(id, Outcome{Result: result})
}

// Reject fails the pending request with an error, removing it from both
// indices.  An unknown id, including an already-completed one, is a no-op.
func (q *Queue) Reject(id string, err error) bool {
	return q.finish(id, Outcome{Err: err})
}

func (q *Queue) finish(id string, o Outcome) bool {
	q.mtx.Lock()
	req, ok := q.byID[id]
	if !ok {
		q.mtx.Unlock()
		return false
	}
	q.remove(req)
	q.notifyCounts()
	q.mtx.Unlock()

	return req.completion.complete(o)
}

// remove deletes the request from both indices.  The caller must hold the
// queue mutex.
func (q *Queue) remove(req *Request) {
	delete(q.byID, req.ID)
	if kindIdx := q.byKind[req.Kind]; kindIdx != nil {
		delete(kindIdx, req.ID)
		if len(kindIdx) == 0 {
			delete(q.byKind, req.Kind)
		}
	}
}

// CancelChannel rejects every pending request originating from the given
// channel with ErrCancelled.  This is what keeps abandoned tabs from growing
// the queue without bound.  It returns the number of requests cancelled.
func (q *Queue) CancelChannel(channelID string) int {
	q.mtx.Lock()
	var victims []*Request
	for _, req := range q.byID {
		if req.ChannelID == channelID {
			victims = append(victims, req)
		}
	}
	for _, req := range victims {
		q.remove(req)
	}
	if len(victims) > 0 {
		q.notifyCounts()
	}
	q.mtx.Unlock()

	for _, req := range victims {
		req.completion.complete(Outcome{Err: ErrCancelled})
		log.Debugf("Cancelled pending %s request %s on disconnect",
			req.Kind, req.ID)
	}
	return len(victims)
}

// RejectAll rejects every outstanding request with the passed error.  It is
// used by external state transitions, such as the session lock timer firing,
// that invalidate everything in flight.
func (q *Queue) RejectAll(err error) int {
	q.mtx.Lock()
	victims := make([]*Request, 0, len(q.byID))
	for _, req := range q.byID {
		victims = append(victims, req)
	}
	for _, req := range victims {
		q.remove(req)
	}
	if len(victims) > 0 {
		q.notifyCounts()
	}
	q.mtx.Unlock()

	for _, req := range victims {
		req.completion.complete(Outcome{Err: err})
	}
	return len(victims)
}

// Counts returns a snapshot of the number of outstanding requests per kind.
// UI affordance logic (the badge) consumes this.
func (q *Queue) Counts() map[Kind]int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.countsLocked()
}

func (q *Queue) countsLocked() map[Kind]int {
	counts := make(map[Kind]int, len(q.byKind))
	for kind, reqs := range q.byKind {
		counts[kind] = len(reqs)
	}
	return counts
}

// WatchCounts registers a watcher notified with a fresh counts snapshot
// after every change.  Notifications are coalesced for slow watchers.
func (q *Queue) WatchCounts() (<-chan map[Kind]int, func()) {
	ch := make(chan map[Kind]int, 1)

	q.mtx.Lock()
	q.countWatchers = append(q.countWatchers, ch)
	q.mtx.Unlock()

	cancel := func() {
		q.mtx.Lock()
		defer q.mtx.Unlock()
		for i, w := range q.countWatchers {
			if w == ch {
				q.countWatchers = append(q.countWatchers[:i],
					q.countWatchers[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// notifyCounts pushes a counts snapshot to every watcher.  The caller must
// hold the queue mutex.
func (q *Queue) notifyCounts() {
	if len(q.countWatchers) == 0 {
		return
	}
	counts := q.countsLocked()
	for _, ch := range q.countWatchers {
		select {
		case ch <- counts:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- counts:
			default:
			}
		}
	}
}
