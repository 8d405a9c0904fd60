package sim

import "fmt"

// resyncReason records why incremental repair was judged insufficient.
type resyncReason struct {
	Kind   string
	Detail string
}

// ResyncSignal summarizes the evidence behind a pending full resync.
type ResyncSignal struct {
	LostUpdates uint64
	TotalEvents uint64
	Reasons     []resyncReason
}

// resyncPolicy decides when lost or invalid incremental updates cross the
// threshold where a full-state resync beats further patching.
type resyncPolicy struct {
	totalEvents uint64
	lostUpdates uint64
	pending     bool
	reasons     []resyncReason
}

const lostUpdateThresholdPerTenThousand = 1
const resyncReasonLimit = 8

func newResyncPolicy() *resyncPolicy {
	return &resyncPolicy{reasons: make([]resyncReason, 0, resyncReasonLimit)}
}

func (p *resyncPolicy) noteEvent() {
	if p == nil {
		return
	}
	if p.totalEvents == ^uint64(0) {
		p.totalEvents = p.totalEvents / 2
		p.lostUpdates = p.lostUpdates / 2
	}
	p.totalEvents++
}

func (p *resyncPolicy) noteLost(kind, detail string) {
	if p == nil {
		return
	}
	p.lostUpdates++
	if len(p.reasons) < resyncReasonLimit {
		p.reasons = append(p.reasons, resyncReason{Kind: kind, Detail: detail})
	}
	p.evaluate()
}

// force marks a resync pending regardless of the ratio, e.g. after a rollback
// window overrun.
func (p *resyncPolicy) force(kind, detail string) {
	if p == nil {
		return
	}
	if len(p.reasons) < resyncReasonLimit {
		p.reasons = append(p.reasons, resyncReason{Kind: kind, Detail: detail})
	}
	p.pending = true
}

func (p *resyncPolicy) evaluate() {
	if p == nil || p.pending || p.lostUpdates == 0 {
		return
	}
	total := p.totalEvents
	if total == 0 {
		total = 1
	}
	if p.lostUpdates*10000 >= total*lostUpdateThresholdPerTenThousand {
		p.pending = true
	}
}

func (p *resyncPolicy) consume() (ResyncSignal, bool) {
	if p == nil || !p.pending {
		return ResyncSignal{}, false
	}
	signal := ResyncSignal{
		LostUpdates: p.lostUpdates,
		TotalEvents: p.totalEvents,
		Reasons:     append([]resyncReason(nil), p.reasons...),
	}
	p.pending = false
	p.totalEvents = 0
	p.lostUpdates = 0
	if len(p.reasons) > 0 {
		p.reasons = p.reasons[:0]
	}
	return signal, true
}

func (s ResyncSignal) summary() string {
	if s.LostUpdates == 0 && s.TotalEvents == 0 {
		return ""
	}
	return fmt.Sprintf("lost_updates=%d total_events=%d reasons=%v", s.LostUpdates, s.TotalEvents, s.Reasons)
}
