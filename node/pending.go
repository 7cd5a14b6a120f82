package node

import (
	"container/heap"
	"sort"
	"time"
)

type pendingKey struct {
	conn     ConnectionKey
	hopByHop uint32
}

// pendingRequest is an outstanding request waiting for its answer.
type pendingRequest struct {
	key         pendingKey
	commandCode uint32
	state       any
	sent        time.Time
	deadline    time.Time
	route       *route // set for forwarded requests
	index       int
}

// pendingQueue orders pending requests by deadline.
type pendingQueue []*pendingRequest

func (q pendingQueue) Len() int           { return len(q) }
func (q pendingQueue) Less(i, j int) bool { return q[i].deadline.Before(q[j].deadline) }

func (q pendingQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *pendingQueue) Push(x any) {
	pr := x.(*pendingRequest)
	pr.index = len(*q)
	*q = append(*q, pr)
}

func (q *pendingQueue) Pop() any {
	old := *q
	last := len(old) - 1
	pr := old[last]
	old[last] = nil
	pr.index = -1
	*q = old[:last]
	return pr
}

// pendingTable indexes pending requests by connection and hop-by-hop id
// and by deadline.
type pendingTable struct {
	byKey map[pendingKey]*pendingRequest
	queue pendingQueue
}

func newPendingTable() *pendingTable {
	return &pendingTable{byKey: make(map[pendingKey]*pendingRequest)}
}

func (t *pendingTable) len() int {
	return len(t.byKey)
}

func (t *pendingTable) add(pr *pendingRequest) {
	t.byKey[pr.key] = pr
	heap.Push(&t.queue, pr)
}

// take removes and returns the entry for key.
func (t *pendingTable) take(key pendingKey) (*pendingRequest, bool) {
	pr, ok := t.byKey[key]
	if !ok {
		return nil, false
	}
	t.remove(pr)
	return pr, true
}

func (t *pendingTable) remove(pr *pendingRequest) {
	delete(t.byKey, pr.key)
	if pr.index >= 0 {
		heap.Remove(&t.queue, pr.index)
	}
}

func (t *pendingTable) nextDeadline() time.Time {
	if len(t.queue) == 0 {
		return time.Time{}
	}
	return t.queue[0].deadline
}

// expired removes and returns every entry whose deadline is not after now,
// earliest first.
func (t *pendingTable) expired(now time.Time) []*pendingRequest {
	var out []*pendingRequest
	for len(t.queue) > 0 && !t.queue[0].deadline.After(now) {
		pr := heap.Pop(&t.queue).(*pendingRequest)
		delete(t.byKey, pr.key)
		out = append(out, pr)
	}
	return out
}

// forConnection removes and returns every entry bound to conn, oldest
// first.
func (t *pendingTable) forConnection(conn ConnectionKey) []*pendingRequest {
	var out []*pendingRequest
	for key, pr := range t.byKey {
		if key.conn == conn {
			out = append(out, pr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sent.Before(out[j].sent) })
	for _, pr := range out {
		t.remove(pr)
	}
	return out
}
