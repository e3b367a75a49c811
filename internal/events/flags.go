// Package events implements the shared event flag group the subsystems
// use to signal readiness to each other. Flags are sticky until cleared
// and paired flags (ready/lost) are kept mutually exclusive.
package events

import (
	"sync"
	"time"
)

// Flag is a single bit in the event group.
type Flag uint32

const (
	CellularReady Flag = 1 << iota
	CellularLost
	GpsFixAcquired
	GpsFixLost
	GpsDataFresh
	PublisherReady
	PublisherLost
	BatteryDataReady
	SystemShutdown
)

// pairs maps each flag to its complement. Setting a flag clears its
// complement in the same critical section, so no observer can ever see
// both set.
var pairs = map[Flag]Flag{
	CellularReady:  CellularLost,
	CellularLost:   CellularReady,
	GpsFixAcquired: GpsFixLost,
	GpsFixLost:     GpsFixAcquired,
	PublisherReady: PublisherLost,
	PublisherLost:  PublisherReady,
}

// Flags is a waitable event flag group.
type Flags struct {
	mu      sync.Mutex
	bits    Flag
	waiters map[chan struct{}]struct{}
}

func New() *Flags {
	return &Flags{waiters: make(map[chan struct{}]struct{})}
}

// Set raises the given flags, clearing the complement of any paired
// flag, and wakes all waiters.
func (f *Flags) Set(flags Flag) {
	f.mu.Lock()
	for bit := Flag(1); bit != 0 && bit <= flags; bit <<= 1 {
		if flags&bit == 0 {
			continue
		}
		if other, ok := pairs[bit]; ok {
			f.bits &^= other
		}
		f.bits |= bit
	}
	f.wakeLocked()
	f.mu.Unlock()
}

// Clear lowers the given flags without touching their complements.
func (f *Flags) Clear(flags Flag) {
	f.mu.Lock()
	f.bits &^= flags
	f.wakeLocked()
	f.mu.Unlock()
}

// IsSet reports whether all the given flags are currently raised.
func (f *Flags) IsSet(flags Flag) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bits&flags == flags
}

// Snapshot returns the current flag bits.
func (f *Flags) Snapshot() Flag {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bits
}

// WaitAll blocks until every flag in mask is raised at the same time, or
// timeout elapses. It returns the observed bits and whether the
// condition was met.
func (f *Flags) WaitAll(mask Flag, timeout time.Duration) (Flag, bool) {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		bits := f.bits
		if bits&mask == mask {
			f.mu.Unlock()
			return bits, true
		}
		ch := make(chan struct{})
		f.waiters[ch] = struct{}{}
		f.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			f.dropWaiter(ch)
			return bits, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			f.dropWaiter(ch)
			f.mu.Lock()
			bits = f.bits
			f.mu.Unlock()
			return bits, bits&mask == mask
		}
	}
}

func (f *Flags) dropWaiter(ch chan struct{}) {
	f.mu.Lock()
	delete(f.waiters, ch)
	f.mu.Unlock()
}

func (f *Flags) wakeLocked() {
	for ch := range f.waiters {
		close(ch)
		delete(f.waiters, ch)
	}
}
