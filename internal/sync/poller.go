package sync

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/nhle/attachment-archiver/internal/engine"
)

// PollState represents the current state of a folder's polling loop.
type PollState int

const (
	PollIdle PollState = iota
	PollRunning
	PollError
)

// PollStatus holds the latest outcome for a single polled folder.
type PollStatus struct {
	Folder  string
	State   PollState
	LastRun time.Time
	Summary engine.Summary
	Error   error
}

// defaultInterval is used when the configured interval is not positive.
const defaultInterval = 15 * time.Minute

// Poller runs archive passes over registered folders on a fixed
// interval, with an immediate first pass per folder. The engine's run
// lock keeps a poll from colliding with a manually started run.
type Poller struct {
	eng      *engine.Engine
	interval time.Duration
	log      *slog.Logger

	mu        gosync.Mutex
	folders   []string
	statuses  map[string]*PollStatus
	triggerCh chan string
	stopCh    chan struct{}
	running   bool
}

// New creates a Poller around an engine. A nil logger falls back to
// slog.Default.
func New(eng *engine.Engine, interval time.Duration, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = defaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		eng:       eng,
		interval:  interval,
		log:       log,
		statuses:  make(map[string]*PollStatus),
		triggerCh: make(chan string, 16),
		stopCh:    make(chan struct{}),
	}
}

// AddFolder registers a folder to poll. Adding after Start has no effect.
func (p *Poller) AddFolder(folder string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, f := range p.folders {
		if f == folder {
			return
		}
	}
	p.folders = append(p.folders, folder)
	p.statuses[folder] = &PollStatus{Folder: folder, State: PollIdle}
}

// Start launches one polling goroutine per registered folder. It returns
// immediately; polling continues until Stop is called or ctx is done.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	folders := make([]string, len(p.folders))
	copy(folders, p.folders)
	p.mu.Unlock()

	for _, folder := range folders {
		go p.pollFolder(ctx, folder)
	}
}

// Stop halts all polling goroutines. A run already in flight finishes.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	close(p.stopCh)
	p.running = false
}

// Trigger requests an immediate pass over one folder. It never blocks;
// a full trigger queue drops the request, the next tick covers it.
func (p *Poller) Trigger(folder string) {
	select {
	case p.triggerCh <- folder:
	default:
	}
}

// Statuses returns a snapshot of every folder's latest poll outcome.
func (p *Poller) Statuses() []PollStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]PollStatus, 0, len(p.folders))
	for _, folder := range p.folders {
		statuses = append(statuses, *p.statuses[folder])
	}
	return statuses
}

// pollFolder runs the polling loop for a single folder.
func (p *Poller) pollFolder(ctx context.Context, folder string) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.runOnce(ctx, folder)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runOnce(ctx, folder)
		case triggered := <-p.triggerCh:
			if triggered == folder {
				p.runOnce(ctx, folder)
			}
		}
	}
}

// runOnce performs a single archive pass and records its outcome.
func (p *Poller) runOnce(ctx context.Context, folder string) {
	if ctx.Err() != nil {
		return
	}

	p.setStatus(folder, func(st *PollStatus) {
		st.State = PollRunning
	})

	run, err := p.eng.ProcessNew(ctx, folder)

	switch {
	case errors.Is(err, engine.ErrRunInProgress):
		// Someone else is archiving this folder right now; the next
		// tick picks up whatever is left.
		p.log.Debug("poll skipped, run in progress", "folder", folder)
		p.setStatus(folder, func(st *PollStatus) {
			st.State = PollIdle
		})
	case err != nil:
		p.setStatus(folder, func(st *PollStatus) {
			st.State = PollError
			st.LastRun = time.Now().UTC()
			st.Summary = run.Summary
			st.Error = err
		})
	default:
		p.setStatus(folder, func(st *PollStatus) {
			st.State = PollIdle
			st.LastRun = time.Now().UTC()
			st.Summary = run.Summary
			st.Error = nil
		})
	}
}

func (p *Poller) setStatus(folder string, update func(*PollStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st, ok := p.statuses[folder]; ok {
		update(st)
	}
}
