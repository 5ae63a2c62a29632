package scheduling

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ShiftWindow is a named block of the clinic day that preset slots are cut from.
type ShiftWindow struct {
	StartHour    int `json:"start_hour" mapstructure:"start_hour"`
	EndHour      int `json:"end_hour" mapstructure:"end_hour"`
	WidthMinutes int `json:"width_minutes" mapstructure:"width_minutes"`
}

const (
	DefaultSlotWidth        = 20
	DefaultMinCustomMinutes = 10
	DefaultMaxCustomMinutes = 240
)

// DefaultShiftWindows are the morning, afternoon and evening shifts.
var DefaultShiftWindows = []ShiftWindow{
	{StartHour: 10, EndHour: 12, WidthMinutes: DefaultSlotWidth},
	{StartHour: 13, EndHour: 16, WidthMinutes: DefaultSlotWidth},
	{StartHour: 17, EndHour: 19, WidthMinutes: DefaultSlotWidth},
}

// Candidate is a proposed slot interval.
type Candidate struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

// Generate cuts each window into fixed-width blocks. Blocks that would run
// past the window end are dropped. Output is ordered by start.
func Generate(windows []ShiftWindow) []Candidate {
	ordered := make([]ShiftWindow, len(windows))
	copy(ordered, windows)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].StartHour < ordered[j].StartHour })

	var out []Candidate
	for _, w := range ordered {
		if w.WidthMinutes <= 0 {
			continue
		}
		end := At(w.EndHour, 0)
		for start := At(w.StartHour, 0); start+TimeOfDay(w.WidthMinutes) <= end; start += TimeOfDay(w.WidthMinutes) {
			out = append(out, Candidate{Start: start, End: start + TimeOfDay(w.WidthMinutes)})
		}
	}
	return out
}

// ValidateWindows rejects windows outside the day, empty windows,
// non-positive widths and windows that overlap each other.
func ValidateWindows(windows []ShiftWindow) error {
	if len(windows) == 0 {
		return fmt.Errorf("%w: at least one shift window is required", ErrInvalidInput)
	}
	ordered := make([]ShiftWindow, len(windows))
	copy(ordered, windows)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StartHour < ordered[j].StartHour })

	for i, w := range ordered {
		if w.StartHour < 0 || w.EndHour > 24 || w.StartHour >= w.EndHour {
			return fmt.Errorf("%w: shift window %d-%d", ErrInvalidRange, w.StartHour, w.EndHour)
		}
		if w.WidthMinutes <= 0 || w.WidthMinutes > (w.EndHour-w.StartHour)*60 {
			return fmt.Errorf("%w: width %d does not fit shift window %d-%d", ErrInvalidRange, w.WidthMinutes, w.StartHour, w.EndHour)
		}
		if i > 0 && ordered[i-1].EndHour > w.StartHour {
			return fmt.Errorf("%w: shift windows %d-%d and %d-%d overlap", ErrInvalidRange,
				ordered[i-1].StartHour, ordered[i-1].EndHour, w.StartHour, w.EndHour)
		}
	}
	return nil
}

// ParseShiftWindows parses "10-12,13-16/30,17-19". A window without a
// "/WIDTH" suffix uses width minutes.
func ParseShiftWindows(s string, width int) ([]ShiftWindow, error) {
	var windows []ShiftWindow
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		w, err := parseShiftWindow(part, width)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	if err := ValidateWindows(windows); err != nil {
		return nil, err
	}
	return windows, nil
}

func parseShiftWindow(part string, width int) (ShiftWindow, error) {
	hours, widthStr, hasWidth := strings.Cut(part, "/")
	from, to, ok := strings.Cut(hours, "-")
	if !ok {
		return ShiftWindow{}, fmt.Errorf("%w: shift window %q must be START-END or START-END/WIDTH", ErrInvalidInput, part)
	}
	start, err := strconv.Atoi(strings.TrimSpace(from))
	if err != nil {
		return ShiftWindow{}, fmt.Errorf("%w: shift window %q: %v", ErrInvalidInput, part, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(to))
	if err != nil {
		return ShiftWindow{}, fmt.Errorf("%w: shift window %q: %v", ErrInvalidInput, part, err)
	}
	if hasWidth {
		if width, err = strconv.Atoi(strings.TrimSpace(widthStr)); err != nil {
			return ShiftWindow{}, fmt.Errorf("%w: shift window %q width: %v", ErrInvalidInput, part, err)
		}
	}
	return ShiftWindow{StartHour: start, EndHour: end, WidthMinutes: width}, nil
}

// PresetGenerator holds the clinic's shift grid and the width limits applied
// to custom slots.
type PresetGenerator struct {
	windows    []ShiftWindow
	minCustom  int
	maxCustom  int
	candidates []Candidate
}

func NewPresetGenerator(windows []ShiftWindow, minCustom, maxCustom int) *PresetGenerator {
	if len(windows) == 0 {
		windows = DefaultShiftWindows
	}
	if minCustom <= 0 {
		minCustom = DefaultMinCustomMinutes
	}
	if maxCustom < minCustom {
		maxCustom = DefaultMaxCustomMinutes
	}
	return &PresetGenerator{
		windows:    windows,
		minCustom:  minCustom,
		maxCustom:  maxCustom,
		candidates: Generate(windows),
	}
}

func (g *PresetGenerator) Windows() []ShiftWindow {
	out := make([]ShiftWindow, len(g.windows))
	copy(out, g.windows)
	return out
}

// Candidates returns the preset grid for one day.
func (g *PresetGenerator) Candidates() []Candidate {
	out := make([]Candidate, len(g.candidates))
	copy(out, g.candidates)
	return out
}

// IsPreset reports whether start-end is exactly one of the grid blocks.
func (g *PresetGenerator) IsPreset(start, end TimeOfDay) bool {
	for _, c := range g.candidates {
		if c.Start == start && c.End == end {
			return true
		}
	}
	return false
}

// ValidateCustom applies the day-boundary and width rules to a free-form slot.
// Preset blocks always pass.
func (g *PresetGenerator) ValidateCustom(start, end TimeOfDay) error {
	if err := validateRange(start, end); err != nil {
		return err
	}
	if g.IsPreset(start, end) {
		return nil
	}
	width := int(end - start)
	if width < g.minCustom || width > g.maxCustom {
		return fmt.Errorf("%w: slot length %d minutes must be between %d and %d",
			ErrInvalidRange, width, g.minCustom, g.maxCustom)
	}
	return nil
}
