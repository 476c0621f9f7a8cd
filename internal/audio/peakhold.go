package audio

import (
	"sync"
	"time"
)

// DefaultPeakHoldDuration is how long a peak volume is held before it follows the signal down.
const DefaultPeakHoldDuration = 3000 * time.Millisecond

// PeakHolder tracks the held peak of the volume meter.
// It is safe for concurrent use.
type PeakHolder struct {
	mu           sync.Mutex
	held         float64
	heldAt       time.Time
	holdDuration time.Duration
}

// NewPeakHolder creates a peak holder with the default hold duration.
func NewPeakHolder() *PeakHolder {
	return &PeakHolder{holdDuration: DefaultPeakHoldDuration}
}

// Update records a volume and returns the held peak.
func (p *PeakHolder) Update(volume float64, now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if volume >= p.held || now.Sub(p.heldAt) > p.holdDuration {
		p.held = volume
		p.heldAt = now
	}
	return p.held
}

// SetHoldDuration updates the hold duration.
func (p *PeakHolder) SetHoldDuration(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdDuration = d
}

// Reset clears the held peak.
func (p *PeakHolder) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.held = 0
	p.heldAt = time.Time{}
}
