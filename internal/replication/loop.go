package replication

import (
	"log"
	"sync"
	"time"
)

// Loop drives Context.Tick at a fixed rate.
type Loop struct {
	ctx      *Context
	tickRate int

	mu       sync.Mutex
	running  bool
	ticker   *time.Ticker
	stopChan chan struct{}
	done     chan struct{}
}

// NewLoop creates a stopped loop.
func NewLoop(ctx *Context, tickRate int) *Loop {
	if tickRate <= 0 {
		tickRate = 60
	}
	return &Loop{ctx: ctx, tickRate: tickRate}
}

// Start begins ticking. Calling Start on a running loop is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.stopChan = make(chan struct{})
	l.done = make(chan struct{})
	l.ticker = time.NewTicker(time.Second / time.Duration(l.tickRate))

	go func(ticker *time.Ticker, stop, done chan struct{}) {
		defer close(done)
		for {
			select {
			case <-ticker.C:
				l.ctx.Tick()
			case <-stop:
				return
			}
		}
	}(l.ticker, l.stopChan, l.done)

	log.Printf("🎮 Replication loop started at %d TPS (%s)", l.tickRate, l.ctx.Role())
}

// Stop stops ticking and waits for the current tick to finish. Safe to call
// more than once.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.ticker.Stop()
	close(l.stopChan)
	done := l.done
	l.mu.Unlock()

	<-done
	log.Println("🛑 Replication loop stopped")
}

// Running reports whether the loop is ticking
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
