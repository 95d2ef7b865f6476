package clipboard

import (
	"context"
	"strings"
	"sync"
	"time"

	sysclip "github.com/atotto/clipboard"
	"go.uber.org/zap"
)

// Poller is a portable Watcher that samples the system text clipboard at a
// fixed interval. Platform-native watchers with richer payload formats and
// source-app attribution can replace it behind the Watcher interface; the
// engine does not care which one feeds it.
type Poller struct {
	mu       sync.Mutex
	interval time.Duration
	read     func() (string, error)
	changes  chan Change
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	last     string
	primed   bool
	log      *zap.Logger
}

// NewPoller creates a poller sampling at the given interval. A non-positive
// interval falls back to 500ms.
func NewPoller(interval time.Duration, log *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		interval: interval,
		read:     sysclip.ReadAll,
		changes:  make(chan Change, 16),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		log:      log,
	}
}

// Changes returns the stream of observed clipboard transitions.
func (p *Poller) Changes() <-chan Change { return p.changes }

// Start primes the poller with the current clipboard content (so whatever
// was on the clipboard before launch is not replayed as a change) and begins
// sampling in a goroutine.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()

	if cur, err := p.read(); err == nil {
		p.last = cur
		p.primed = true
	}

	go p.run(ctx)
	return nil
}

// Stop halts sampling and closes the change channel. Safe to call once after
// Start has returned.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh
	close(p.changes)
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sample()
		}
	}
}

func (p *Poller) sample() {
	text, err := p.read()
	if err != nil {
		// Transient on headless systems or during screen lock.
		p.log.Debug("clipboard read failed", zap.Error(err))
		return
	}
	if p.primed && text == p.last {
		return
	}
	p.last = text
	p.primed = true

	if strings.TrimSpace(text) == "" {
		return
	}

	change := Change{
		Primary:    Payload{Kind: DetectKind(text), Text: text},
		OccurredAt: time.Now(),
	}
	select {
	case p.changes <- change:
	default:
		p.log.Warn("dropping clipboard change, consumer not keeping up")
	}
}
