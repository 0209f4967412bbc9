package command

import "sort"

// Preset carrier frequencies start at 540 kHz with 100 kHz spacing.
const (
	presetBaseHz    = 540_000
	presetSpacingHz = 100_000
)

// presetChannels spreads count carriers across the 12 channel slots.
var presetChannels = map[int][]int{
	1:  {1},
	2:  {1, 7},
	3:  {12, 4, 8},
	4:  {12, 3, 6, 9},
	6:  {12, 2, 4, 6, 8, 10},
	8:  {12, 1, 3, 4, 6, 7, 9, 10},
	12: {1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
}

// PresetChannels returns the channel ids enabled by the preset for count.
func PresetChannels(count int) ([]int, bool) {
	ids, ok := presetChannels[count]
	if !ok {
		return nil, false
	}
	return append([]int(nil), ids...), true
}

// PresetCounts lists the supported preset sizes in ascending order.
func PresetCounts() []int {
	counts := make([]int, 0, len(presetChannels))
	for n := range presetChannels {
		counts = append(counts, n)
	}
	sort.Ints(counts)
	return counts
}

// PresetFrequency is the carrier a preset assigns to channel.
func PresetFrequency(channel int) uint32 {
	return uint32(presetBaseHz + (channel-1)*presetSpacingHz)
}
