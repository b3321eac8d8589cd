// Package emotion maps emotion labels to the prosody parameters used during
// synthesis and post-processing.
//
// The table is fixed at compile time and read-only. Unknown or empty labels
// resolve to the [Default] profile so callers never need to handle a miss.
package emotion

import (
	"slices"
	"strings"
)

// Default is the tag used when a label is unknown or empty.
const Default = "confident"

// Profile bundles the prosody parameters associated with one emotion.
type Profile struct {
	// Tag is the canonical label, e.g. "excited".
	Tag string

	// Speed is a multiplicative playback-rate factor. 1.0 leaves the tempo
	// unchanged; values above 1 speak faster.
	Speed float64

	// Pitch is a relative pitch factor passed to backends that support it.
	Pitch float64

	// Energy is a relative loudness hint in [0, 1].
	Energy float64

	// Style is the speaking-style hint forwarded to backends.
	Style string
}

var table = map[string]Profile{
	"confident":  {Tag: "confident", Speed: 0.95, Pitch: 1.0, Energy: 0.9, Style: "confident"},
	"friendly":   {Tag: "friendly", Speed: 1.0, Pitch: 1.05, Energy: 0.85, Style: "happy"},
	"serious":    {Tag: "serious", Speed: 0.9, Pitch: 0.95, Energy: 0.8, Style: "serious"},
	"excited":    {Tag: "excited", Speed: 1.1, Pitch: 1.1, Energy: 1.0, Style: "excited"},
	"thoughtful": {Tag: "thoughtful", Speed: 0.85, Pitch: 0.98, Energy: 0.75, Style: "neutral"},
}

// For returns the profile registered for label. Labels are matched exactly;
// anything unknown yields the [Default] profile.
func For(label string) Profile {
	if p, ok := table[label]; ok {
		return p
	}
	return table[Default]
}

// Known reports whether label names a profile in the table.
func Known(label string) bool {
	_, ok := table[label]
	return ok
}

// Labels returns the known tags in sorted order.
func Labels() []string {
	out := make([]string, 0, len(table))
	for tag := range table {
		out = append(out, tag)
	}
	slices.Sort(out)
	return out
}

// String implements [fmt.Stringer].
func (p Profile) String() string {
	var b strings.Builder
	b.WriteString(p.Tag)
	if p.Style != "" && p.Style != p.Tag {
		b.WriteString("/")
		b.WriteString(p.Style)
	}
	return b.String()
}
