package ranging

import (
	"math"
	"strconv"
	"strings"
)

// anchorLabelPrefix starts every reading line, followed by the anchor's index.
// A reading looks like "an1: 1.42m".
const anchorLabelPrefix = "an"

// A Sample is one range reading for a pair, in meters.
type Sample struct {
	Pair   Pair
	Meters float64
}

// ParseReport extracts the readings a tag reported against the given anchors.
// Lines that are not "label:value" are counted in malformed, and skipped,
// as are lines for listed anchors whose value does not parse.
// Other labels, and anchors that are not listed, are ignored.
func ParseReport(payload string, tag int, anchors []int) (samples []Sample, malformed int) {
	wanted := make(map[int]Pair, len(anchors))
	for _, a := range anchors {
		if p, err := PairFor(tag, a); err == nil {
			wanted[a] = p
		}
	}

	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.Contains(line, ":") {
			malformed++
			continue
		}
		anchor, value, ok := splitReading(line)
		if !ok {
			continue
		}
		pair, ok := wanted[anchor]
		if !ok {
			continue
		}
		meters, err := parseMeters(value)
		if err != nil {
			malformed++
			continue
		}
		samples = append(samples, Sample{Pair: pair, Meters: meters})
	}

	return samples, malformed
}

// ParseReading parses a single "an<N>:<value>[m]" line.
func ParseReading(line string) (anchor int, meters float64, ok bool) {
	anchor, value, ok := splitReading(strings.TrimSpace(line))
	if !ok {
		return 0, 0, false
	}
	meters, err := parseMeters(value)
	if err != nil {
		return 0, 0, false
	}
	return anchor, meters, true
}

// splitReading splits a line into its anchor index and raw value.
func splitReading(line string) (anchor int, value string, ok bool) {
	label, value, found := strings.Cut(line, ":")
	if !found {
		return 0, "", false
	}
	label = strings.TrimSpace(label)
	if !strings.HasPrefix(label, anchorLabelPrefix) {
		return 0, "", false
	}
	anchor, err := strconv.Atoi(label[len(anchorLabelPrefix):])
	if err != nil || anchor < 0 {
		return 0, "", false
	}
	return anchor, value, true
}

func parseMeters(value string) (float64, error) {
	value = strings.TrimSpace(value)
	value = strings.TrimSpace(strings.TrimSuffix(value, "m"))
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, strconv.ErrRange
	}
	return f, nil
}

// Average reduces samples to a mean per pair.
// Pairs with no samples are absent from the result.
func Average(samples []Sample) map[Pair]float64 {
	sums := make(map[Pair]float64)
	counts := make(map[Pair]int)
	for _, s := range samples {
		sums[s.Pair] += s.Meters
		counts[s.Pair]++
	}

	avgs := make(map[Pair]float64, len(sums))
	for p, sum := range sums {
		avgs[p] = sum / float64(counts[p])
	}
	return avgs
}
