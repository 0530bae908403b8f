package agent

import (
	"context"
	"sync"
)

// PauseController gates the orchestrator at round boundaries. Pausing never
// interrupts a stream mid-flight: the loop checks WaitWhilePaused only
// between rounds, so a pause appears atomic to callers.
type PauseController struct {
	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
	onPause  []func()
	onResume []func()
}

// NewPauseController creates a controller in the running state.
func NewPauseController() *PauseController {
	return &PauseController{}
}

// Pause suspends admission of new rounds. Edge-triggered: pausing an
// already-paused controller fires no callbacks.
func (p *PauseController) Pause() {
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return
	}
	p.paused = true
	p.resumeCh = make(chan struct{})
	callbacks := append([]func(){}, p.onPause...)
	p.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// Resume releases every caller suspended in WaitWhilePaused.
func (p *PauseController) Resume() {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return
	}
	p.paused = false
	close(p.resumeCh)
	p.resumeCh = nil
	callbacks := append([]func(){}, p.onResume...)
	p.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// IsPaused reports the current state.
func (p *PauseController) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// OnPause registers a callback fired on each running-to-paused edge.
func (p *PauseController) OnPause(f func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPause = append(p.onPause, f)
}

// OnResume registers a callback fired on each paused-to-running edge.
func (p *PauseController) OnResume(f func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onResume = append(p.onResume, f)
}

// WaitWhilePaused blocks while the controller is paused. It returns nil
// once running (immediately if not paused) and the context error on
// cancellation. Repeated pause/resume cycles during the wait are handled.
func (p *PauseController) WaitWhilePaused(ctx context.Context) error {
	for {
		p.mu.Lock()
		ch := p.resumeCh
		p.mu.Unlock()
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
