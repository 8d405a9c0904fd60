package transport

import (
	"container/heap"

	"github.com/ahump20/Sandlot-Sluggers-sub000/internal/proto"
)

// outboundItem pairs an envelope with its encoded frame while it waits in the
// send queue.
type outboundItem struct {
	env   proto.Envelope
	data  []byte
	order uint64
}

// sendQueue drains by priority tier first, enqueue order second, so messages
// within a tier stay FIFO.
type sendQueue []*outboundItem

func (q sendQueue) Len() int { return len(q) }

func (q sendQueue) Less(i, j int) bool {
	ri, rj := q[i].env.Priority.Rank(), q[j].env.Priority.Rank()
	if ri != rj {
		return ri < rj
	}
	return q[i].order < q[j].order
}

func (q sendQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *sendQueue) Push(x any) {
	*q = append(*q, x.(*outboundItem))
}

func (q *sendQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func (q *sendQueue) push(item *outboundItem) {
	heap.Push(q, item)
}

func (q *sendQueue) pop() *outboundItem {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*outboundItem)
}

func (q *sendQueue) peek() *outboundItem {
	if q.Len() == 0 {
		return nil
	}
	return (*q)[0]
}

// shedUnreliable removes the lowest-priority unreliable item, returning it so
// the caller can account for the drop. Reliable items are never shed.
func (q *sendQueue) shedUnreliable() *outboundItem {
	victim := -1
	for i, item := range *q {
		if item.env.Reliable {
			continue
		}
		if victim == -1 || q.Less(victim, i) {
			victim = i
		}
	}
	if victim == -1 {
		return nil
	}
	item := (*q)[victim]
	heap.Remove(q, victim)
	return item
}
