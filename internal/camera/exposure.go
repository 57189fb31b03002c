// Package camera drives the remote 4-band camera over SSH: address
// discovery, gain and exposure register access, and the exposure tables.
package camera

import "math"

// Exposure levels run from MinLevel to MaxLevel inclusive.
const (
	MinLevel = 1
	MaxLevel = 12
)

// ExpoAbs holds the exposure_time_absolute register value for each level.
var ExpoAbs = [MaxLevel]int{1, 2, 5, 10, 20, 39, 78, 156, 312, 625, 1250, 2500}

// ExpoMs holds the measured exposure time in milliseconds for each level.
var ExpoMs = [MaxLevel]float64{0.04, 0.15, 0.52, 1.08, 2.24, 4.48, 9.03, 18.14, 36.04, 72.99, 146.05, 292.21}

// ClampLevel forces level into MinLevel..MaxLevel.
func ClampLevel(level int) int {
	if level < MinLevel {
		return MinLevel
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}

// AbsForLevel returns the register value for a (clamped) level.
func AbsForLevel(level int) int {
	return ExpoAbs[ClampLevel(level)-1]
}

// MsForLevel returns the exposure in milliseconds for a (clamped) level.
func MsForLevel(level int) float64 {
	return ExpoMs[ClampLevel(level)-1]
}

// LevelForAbs maps a register readback to the level with the nearest
// register value. Ties resolve to the lower level.
func LevelForAbs(raw int) int {
	best, bestDiff := MinLevel, math.MaxInt
	for i, v := range ExpoAbs {
		d := raw - v
		if d < 0 {
			d = -d
		}
		if d < bestDiff {
			best, bestDiff = i+1, d
		}
	}
	return best
}

// Ms100 converts milliseconds to the integer token used in file names.
func Ms100(ms float64) int {
	return int(math.Round(ms * 100))
}

// Ms100ForLevels converts four levels to file-name tokens.
func Ms100ForLevels(levels [4]int) [4]int {
	var out [4]int
	for i, l := range levels {
		out[i] = Ms100(MsForLevel(l))
	}
	return out
}
