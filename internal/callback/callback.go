// Package callback schedules deferred self-messages. Agents embed
// @@cb:<Ns>[#channel]@@payload markers in outgoing content; the markers
// are stripped before fan-out and fire back to the originator later.
package callback

import (
	"container/heap"
	"context"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FirePrefix tags synthetic callback deliveries so clients can tell them
// from ordinary traffic.
const FirePrefix = "@@cb-fire@@"

// Limits clamps scheduling. Zero fields take the defaults.
type Limits struct {
	MaxDelay   time.Duration // clamp, not refusal
	MaxPayload int           // oversize markers are skipped
	MaxPerAgent int          // further markers are refused
	Poll       time.Duration
}

// DefaultLimits matches the documented clamps.
func DefaultLimits() Limits {
	return Limits{
		MaxDelay:    3600 * time.Second,
		MaxPayload:  500,
		MaxPerAgent: 50,
		Poll:        time.Second,
	}
}

// Marker is one parsed @@cb@@ directive.
type Marker struct {
	Delay   time.Duration
	Channel string // "#name" when the marker carries a channel, else ""
	Payload string
}

var markerRe = regexp.MustCompile(`@@cb:(\d+)s(#[a-zA-Z0-9_-]+)?@@`)

// Parse extracts markers from content and returns the cleaned text that
// should go on the wire. A marker's payload runs until the next marker
// or end of content.
func Parse(content string) (cleaned string, markers []Marker) {
	locs := markerRe.FindAllStringSubmatchIndex(content, -1)
	if locs == nil {
		return content, nil
	}

	var b strings.Builder
	prev := 0
	for i, loc := range locs {
		b.WriteString(content[prev:loc[0]])

		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		secs, _ := strconv.Atoi(content[loc[2]:loc[3]])
		channel := ""
		if loc[4] >= 0 {
			channel = content[loc[4]:loc[5]]
		}
		markers = append(markers, Marker{
			Delay:   time.Duration(secs) * time.Second,
			Channel: channel,
			Payload: content[loc[1]:end],
		})
		prev = end
	}
	b.WriteString(content[prev:])
	return b.String(), markers
}

// Entry is one scheduled callback.
type Entry struct {
	ID      string
	From    string // originator agent id; also the delivery target
	Channel string // origin channel, "" for direct contexts
	Payload string
	FireAt  time.Time

	index int
}

type entryHeap []*Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].FireAt.Before(h[j].FireAt) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any)         { e := x.(*Entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is the min-heap of pending callbacks, keyed by fire time.
type Queue struct {
	mu       sync.Mutex
	heap     entryHeap
	perAgent map[string]int
	limits   Limits
	logger   *log.Logger
	now      func() time.Time
}

func NewQueue(limits Limits) *Queue {
	d := DefaultLimits()
	if limits.MaxDelay <= 0 {
		limits.MaxDelay = d.MaxDelay
	}
	if limits.MaxPayload <= 0 {
		limits.MaxPayload = d.MaxPayload
	}
	if limits.MaxPerAgent <= 0 {
		limits.MaxPerAgent = d.MaxPerAgent
	}
	if limits.Poll <= 0 {
		limits.Poll = d.Poll
	}
	q := &Queue{
		perAgent: make(map[string]int),
		limits:   limits,
		logger:   log.New(log.Writer(), "[CALLBACK] ", log.LstdFlags),
		now:      time.Now,
	}
	heap.Init(&q.heap)
	return q
}

// Schedule queues one marker for from. Returns the entry id, or "" when
// the marker was skipped (oversize payload) or refused (per-agent cap).
func (q *Queue) Schedule(from string, m Marker) string {
	if len(m.Payload) > q.limits.MaxPayload {
		q.logger.Printf("skip oversize callback payload from %s (%d chars)", from, len(m.Payload))
		return ""
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.perAgent[from] >= q.limits.MaxPerAgent {
		q.logger.Printf("refuse callback for %s: per-agent cap reached", from)
		return ""
	}

	delay := m.Delay
	if delay > q.limits.MaxDelay {
		delay = q.limits.MaxDelay
	}
	e := &Entry{
		ID:      "cb_" + uuid.NewString(),
		From:    from,
		Channel: m.Channel,
		Payload: m.Payload,
		FireAt:  q.now().Add(delay),
	}
	heap.Push(&q.heap, e)
	q.perAgent[from]++
	return e.ID
}

// Due pops every entry whose fire time has passed, in fire order.
func (q *Queue) Due() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var due []*Entry
	for q.heap.Len() > 0 && !q.heap[0].FireAt.After(now) {
		e := heap.Pop(&q.heap).(*Entry)
		q.decrementLocked(e.From)
		due = append(due, e)
	}
	return due
}

// DropAgent removes every pending entry scheduled by agentID.
func (q *Queue) DropAgent(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for i := 0; i < q.heap.Len(); {
		if q.heap[i].From == agentID {
			heap.Remove(&q.heap, i)
			removed++
		} else {
			i++
		}
	}
	if removed > 0 {
		delete(q.perAgent, agentID)
	}
	return removed
}

// Pending reports how many entries agentID has queued.
func (q *Queue) Pending(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.perAgent[agentID]
}

// Run polls the queue until ctx is done, handing due entries to fire.
func (q *Queue) Run(ctx context.Context, fire func(*Entry)) {
	ticker := time.NewTicker(q.limits.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range q.Due() {
				fire(e)
			}
		}
	}
}

func (q *Queue) decrementLocked(agentID string) {
	if q.perAgent[agentID] <= 1 {
		delete(q.perAgent, agentID)
	} else {
		q.perAgent[agentID]--
	}
}
