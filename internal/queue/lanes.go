package queue

import "sync"

// Lanes serializes work per key in arrival order while letting distinct
// keys run in parallel. Idle lanes are released.
type Lanes struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	pending []func()
	running bool
}

// NewLanes returns an empty lane set.
func NewLanes() *Lanes {
	return &Lanes{lanes: make(map[string]*lane)}
}

// Do runs fn in key's lane and blocks until it has run.
func (l *Lanes) Do(key string, fn func()) {
	done := make(chan struct{})
	work := func() {
		defer close(done)
		fn()
	}

	l.mu.Lock()
	ln, ok := l.lanes[key]
	if !ok {
		ln = &lane{}
		l.lanes[key] = ln
	}
	ln.pending = append(ln.pending, work)
	if !ln.running {
		ln.running = true
		go l.drain(key, ln)
	}
	l.mu.Unlock()

	<-done
}

func (l *Lanes) drain(key string, ln *lane) {
	for {
		l.mu.Lock()
		if len(ln.pending) == 0 {
			ln.running = false
			delete(l.lanes, key)
			l.mu.Unlock()
			return
		}
		next := ln.pending[0]
		ln.pending = ln.pending[1:]
		l.mu.Unlock()
		next()
	}
}
