package alarm

import (
	"fmt"
	"math"
	"time"
)

const builtinPrefix = "builtin:"

// Builtin sound references.
const (
	BuiltinChime = builtinPrefix + "chime"
	BuiltinBeep  = builtinPrefix + "beep"
)

type tone struct {
	freq     float64 // Hz, 0 for a pause
	duration time.Duration
	decay    float64 // exponential decay rate per second
}

var builtins = map[string][]tone{
	"chime": {
		{freq: 880, duration: 350 * time.Millisecond, decay: 4},
		{freq: 660, duration: 550 * time.Millisecond, decay: 3},
		{duration: 600 * time.Millisecond},
	},
	"beep": {
		{freq: 1000, duration: 250 * time.Millisecond},
		{duration: 250 * time.Millisecond},
		{freq: 1000, duration: 250 * time.Millisecond},
		{duration: 750 * time.Millisecond},
	},
}

// BuiltinNames returns the names accepted after the builtin: prefix.
func BuiltinNames() []string {
	return []string{"chime", "beep"}
}

// builtinSound synthesises a builtin sound at the given rate.
func builtinSound(name string, rate int) (*Sound, error) {
	tones, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown builtin sound %q", ErrUnsupportedSound, name)
	}

	var samples []float64
	for _, t := range tones {
		n := int(t.duration.Seconds() * float64(rate))
		// Short fades avoid clicks at tone edges.
		fade := min(n/2, rate/200)
		for i := range n {
			if t.freq == 0 {
				samples = append(samples, 0)
				continue
			}
			secs := float64(i) / float64(rate)
			env := 0.5 * math.Exp(-t.decay*secs)
			if i < fade {
				env *= float64(i) / float64(fade)
			}
			if n-i <= fade {
				env *= float64(n-i-1) / float64(fade)
			}
			samples = append(samples, env*math.Sin(2*math.Pi*t.freq*secs))
		}
	}
	return newSound(samples, samples, rate), nil
}
