// Package ioqueue implements the asynchronous child-completion coordinator
// used by the read path (§4.3) and the write path's split-child issuance
// (§4.4), plus a bounded-parallelism synchronous fan-out helper used by
// commit (§4.5), grounded on the teacher's task_runner.go errgroup-based
// runner.
package ioqueue

import (
	"sync"

	"github.com/Nitr0-G/Vmware-sub009/diskio"
)

// Parent coordinates N child diskio.Token completions into a single final
// completion, carrying the first non-OK status encountered (§4.3). It
// replaces the source's callback frames stacked in a token's
// caller-private byte array with a typed, explicitly-owned struct (§9).
type Parent struct {
	mu      sync.Mutex
	needed  int
	handled int
	hasBad  bool
	firstBad diskio.Status
	onDone  func(diskio.Status)
	fired   bool
}

// NewParent returns a Parent expecting `needed` child completions before
// invoking onDone exactly once with the coalesced status.
func NewParent(needed int, onDone func(diskio.Status)) *Parent {
	return &Parent{needed: needed, onDone: onDone}
}

// childToken adapts a Parent into a diskio.Token for one child I/O.
type childToken struct{ p *Parent }

func (c childToken) Complete(status diskio.Status) { c.p.complete(status) }

// NewChildToken returns a diskio.Token for the next child; pass one to
// each diskio.AsyncIO call that this Parent is coordinating.
func (p *Parent) NewChildToken() diskio.Token { return childToken{p} }

func (p *Parent) complete(status diskio.Status) {
	p.mu.Lock()
	p.handled++
	if !status.OK() && !p.hasBad {
		p.hasBad = true
		p.firstBad = status
	}
	p.maybeFireLocked()
	p.mu.Unlock()
}

// maybeFireLocked invokes onDone exactly once, once handled reaches
// needed. Must be called with p.mu held. onDone runs on a new goroutine
// started by whichever completion (real or synthesized) makes handled
// reach needed, so it never runs while p.mu is held.
func (p *Parent) maybeFireLocked() {
	if p.fired || p.handled < p.needed {
		return
	}
	p.fired = true
	status := diskio.StatusOK
	if p.hasBad {
		status = p.firstBad
	}
	go p.onDone(status)
}

// IssueFailed implements §4.3's issue-failure patch: if issuing child
// number issuedSoFar (0-indexed count of children successfully issued
// before this one) failed synchronously, shrink needed to issuedSoFar so
// the in-flight children alone drive completion -- unless all of them
// have already completed (handled == issuedSoFar), in which case bump
// needed to handled+1 and synthesize this failed issuance as the final
// completion, so the parent still completes exactly once.
func (p *Parent) IssueFailed(issuedSoFar int, failStatus diskio.Status) {
	p.mu.Lock()
	if !p.hasBad {
		p.hasBad = true
		p.firstBad = failStatus
	}
	if p.handled == issuedSoFar {
		p.needed = p.handled + 1
		p.handled++
	} else {
		p.needed = issuedSoFar
	}
	p.maybeFireLocked()
	p.mu.Unlock()
}
