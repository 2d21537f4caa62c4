package poller

import "time"

// Policy holds the poll intervals. Zero fields take the defaults below.
type Policy struct {
	// Fast is used while an operator is active or a reply is awaited.
	Fast time.Duration
	// Base is the idle interval after a poll that brought new messages.
	Base time.Duration
	// Step is added to Base for every consecutive empty poll.
	Step time.Duration
	// Max caps the idle interval.
	Max time.Duration
}

// DefaultPolicy returns the production intervals.
func DefaultPolicy() Policy {
	return Policy{
		Fast: 2 * time.Second,
		Base: 5 * time.Second,
		Step: 5 * time.Second,
		Max:  60 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Fast <= 0 {
		p.Fast = d.Fast
	}
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Step <= 0 {
		p.Step = d.Step
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}

// NextDelay picks the wait before the next poll.
//
// An active operator or an awaited reply keeps the loop tight; otherwise the
// interval grows linearly with the number of consecutive empty polls, up to
// Max.
func NextDelay(p Policy, operatorMode, awaitingReply bool, emptyPolls int) time.Duration {
	p = p.withDefaults()
	switch {
	case operatorMode:
		return p.Fast
	case awaitingReply:
		return p.Fast
	}
	if emptyPolls < 0 {
		emptyPolls = 0
	}
	// Past this many steps the result is Max anyway; stopping early keeps
	// the multiplication from overflowing.
	if limit := int((p.Max-p.Base)/p.Step) + 1; emptyPolls > limit {
		emptyPolls = limit
	}
	d := p.Base + time.Duration(emptyPolls)*p.Step
	if d > p.Max {
		d = p.Max
	}
	return d
}
