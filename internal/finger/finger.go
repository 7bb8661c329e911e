// Package finger names the fingers a template can be enrolled for.
package finger

import (
	"sort"
	"strings"
)

// Finger is the canonical short name of one finger, e.g. "right-index".
type Finger string

const (
	LeftThumb   Finger = "left-thumb"
	LeftIndex   Finger = "left-index"
	LeftMiddle  Finger = "left-middle"
	LeftRing    Finger = "left-ring"
	LeftLittle  Finger = "left-little"
	RightThumb  Finger = "right-thumb"
	RightIndex  Finger = "right-index"
	RightMiddle Finger = "right-middle"
	RightRing   Finger = "right-ring"
	RightLittle Finger = "right-little"
)

var ordered = []Finger{
	LeftThumb, LeftIndex, LeftMiddle, LeftRing, LeftLittle,
	RightThumb, RightIndex, RightMiddle, RightRing, RightLittle,
}

var position = func() map[Finger]int {
	m := make(map[Finger]int, len(ordered))
	for i, f := range ordered {
		m[f] = i + 1
	}
	return m
}()

// All returns every finger in canonical order.
func All() []Finger {
	out := make([]Finger, len(ordered))
	copy(out, ordered)
	return out
}

// Parse accepts a canonical name or one of the long aliases
// ("right-index-finger", "right_index", "Right Index") and returns the
// canonical finger.
func Parse(value string) (Finger, bool) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.NewReplacer("_", "-", " ", "-").Replace(normalized)
	normalized = strings.TrimSuffix(normalized, "-finger")
	f := Finger(normalized)
	if _, ok := position[f]; !ok {
		return "", false
	}
	return f, true
}

// Valid reports whether f is a canonical finger name.
func (f Finger) Valid() bool {
	_, ok := position[f]
	return ok
}

// Index returns the 1-based canonical position (left thumb = 1), or 0 for
// an invalid finger.
func (f Finger) Index() int {
	return position[f]
}

// LongName returns the D-Bus era alias, e.g. "right-index-finger".
// Thumbs have no suffix.
func (f Finger) LongName() string {
	if !f.Valid() {
		return ""
	}
	if f == LeftThumb || f == RightThumb {
		return string(f)
	}
	return string(f) + "-finger"
}

func (f Finger) String() string {
	return string(f)
}

// Sort orders fingers canonically in place.
func Sort(fingers []Finger) {
	sort.SliceStable(fingers, func(i, j int) bool {
		return fingers[i].Index() < fingers[j].Index()
	})
}
