package audio

import "github.com/oszuidwest/zwfm-noisemonitor/internal/types"

// Volume returns the arithmetic mean of all bins in a snapshot, or 0 when empty.
func Volume(snapshot []byte) float64 {
	if len(snapshot) == 0 {
		return 0
	}
	var sum int
	for _, b := range snapshot {
		sum += int(b)
	}
	return float64(sum) / float64(len(snapshot))
}

// Classify maps a volume onto a sound band using the given thresholds.
func Classify(volume float64, t types.ThresholdConfig) types.NoiseLevel {
	switch {
	case volume < float64(t.Quiet):
		return types.LevelQuiet
	case volume < float64(t.Medium):
		return types.LevelMedium
	default:
		return types.LevelNoisy
	}
}
