package table

import "fmt"

// KeyRange is the half-open interval [Start, End) of the key space.
// An empty End means the range is unbounded on the right; an empty Start is
// the smallest key.
type KeyRange struct {
	Start string `json:"start" yaml:"start" toml:"start"`
	End   string `json:"end,omitempty" yaml:"end,omitempty" toml:"end"`
}

// FullRange covers every key.
var FullRange = KeyRange{}

// Unbounded reports whether the range extends to the end of the key space.
func (r KeyRange) Unbounded() bool {
	return r.End == ""
}

// IsEmpty reports whether the range contains no keys.
func (r KeyRange) IsEmpty() bool {
	return !r.Unbounded() && r.End <= r.Start
}

// Contains reports whether key falls inside the range.
func (r KeyRange) Contains(key string) bool {
	if key < r.Start {
		return false
	}
	return r.Unbounded() || key < r.End
}

// Intersect returns the overlap of r and o. The boolean is false when the
// ranges are disjoint.
func (r KeyRange) Intersect(o KeyRange) (KeyRange, bool) {
	out := KeyRange{Start: maxKey(r.Start, o.Start)}
	switch {
	case r.Unbounded():
		out.End = o.End
	case o.Unbounded():
		out.End = r.End
	case r.End < o.End:
		out.End = r.End
	default:
		out.End = o.End
	}
	if out.IsEmpty() {
		return KeyRange{}, false
	}
	return out, true
}

// Overlaps reports whether r and o share at least one key.
func (r KeyRange) Overlaps(o KeyRange) bool {
	_, ok := r.Intersect(o)
	return ok
}

// ContainsRange reports whether o lies entirely inside r.
func (r KeyRange) ContainsRange(o KeyRange) bool {
	if o.Start < r.Start {
		return false
	}
	if r.Unbounded() {
		return true
	}
	return !o.Unbounded() && o.End <= r.End
}

// String renders the range as ["a", "m") with ∞ for an unbounded end.
func (r KeyRange) String() string {
	if r.Unbounded() {
		return fmt.Sprintf("[%q, ∞)", r.Start)
	}
	return fmt.Sprintf("[%q, %q)", r.Start, r.End)
}

func maxKey(a, b string) string {
	if a > b {
		return a
	}
	return b
}
