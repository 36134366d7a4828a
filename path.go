package propolis

import (
	"fmt"
	"strings"
)

// Direction is the orientation of one hop in a path expression relative to
// the relationship table's source/destination columns.
type Direction int

const (
	// Forward consumes an edge pointing away from the current object:
	// current is the source, the hop's type is the destination.
	Forward Direction = iota

	// Reverse consumes an edge pointing at the current object:
	// the hop's type is the source, current is the destination.
	Reverse
)

// String returns the arrow token for the direction.
func (d Direction) String() string {
	if d == Reverse {
		return "<-"
	}
	return "->"
}

// flip returns the opposite direction.
func (d Direction) flip() Direction {
	if d == Forward {
		return Reverse
	}
	return Forward
}

// Hop is one step of a path walk: traverse an edge in Direction and assert
// the neighboring object's type.
type Hop struct {
	Dir  Direction
	Type ObjectType
}

// Path is a parsed path expression: an anchor type followed by an ordered
// sequence of directional hops. "Assessment<-Audit->Evidence" parses to
// anchor Assessment, hops [{<-, Audit}, {->, Evidence}]: starting at an
// Assessment, find the Audit pointing at it, then the Evidence the Audit
// points at.
//
// A path may name the same type twice ("Assessment->Snapshot->Snapshot");
// the walk is stepwise and self-referential hops need no special handling.
type Path struct {
	Anchor ObjectType
	Hops   []Hop
}

// ParsePath parses a path expression such as "Audit->Evidence->Comment" or
// "Assessment<-Audit->Evidence". The first token is the anchor type; every
// following token is preceded by a directional arrow. Malformed inputs
// (empty segments, dangling arrows, missing anchor) return an error wrapping
// ErrInvalidRule; they are configuration mistakes surfaced when rules load,
// never during propagation.
func ParsePath(s string) (Path, error) {
	if strings.TrimSpace(s) == "" {
		return Path{}, fmt.Errorf("%w: empty path expression", ErrInvalidRule)
	}

	var p Path
	rest := s

	// Anchor: everything up to the first arrow.
	i := nextArrow(rest)
	if i == 0 {
		return Path{}, fmt.Errorf("%w: path %q has no anchor type", ErrInvalidRule, s)
	}
	if i < 0 {
		// A bare type name is a valid zero-hop path.
		p.Anchor = ObjectType(rest)
		return p, nil
	}
	p.Anchor = ObjectType(rest[:i])
	rest = rest[i:]

	for rest != "" {
		var dir Direction
		switch {
		case strings.HasPrefix(rest, "->"):
			dir = Forward
		case strings.HasPrefix(rest, "<-"):
			dir = Reverse
		default:
			return Path{}, fmt.Errorf("%w: path %q: expected arrow at %q", ErrInvalidRule, s, rest)
		}
		rest = rest[2:]

		j := nextArrow(rest)
		var tok string
		if j < 0 {
			tok, rest = rest, ""
		} else {
			tok, rest = rest[:j], rest[j:]
		}
		if tok == "" {
			return Path{}, fmt.Errorf("%w: path %q has an empty segment", ErrInvalidRule, s)
		}
		p.Hops = append(p.Hops, Hop{Dir: dir, Type: ObjectType(tok)})
	}

	return p, nil
}

// nextArrow returns the index of the first arrow token in s, or -1.
func nextArrow(s string) int {
	f := strings.Index(s, "->")
	r := strings.Index(s, "<-")
	switch {
	case f < 0:
		return r
	case r < 0:
		return f
	case f < r:
		return f
	default:
		return r
	}
}

// String renders the path back to its expression form.
func (p Path) String() string {
	var b strings.Builder
	b.WriteString(string(p.Anchor))
	for _, h := range p.Hops {
		b.WriteString(h.Dir.String())
		b.WriteString(string(h.Type))
	}
	return b.String()
}

// Terminal returns the type of the object a full walk of the path lands on.
// For a zero-hop path that is the anchor itself.
func (p Path) Terminal() ObjectType {
	if len(p.Hops) == 0 {
		return p.Anchor
	}
	return p.Hops[len(p.Hops)-1].Type
}

// Reversed returns the same walk read from the terminal object back to the
// anchor: hop order is reversed and every direction flipped. This is what
// lets one stored rule serve both endpoints of the relationship that
// triggered it: "Assessment<-Audit->Evidence" reversed is
// "Evidence<-Audit->Assessment".
func (p Path) Reversed() Path {
	n := len(p.Hops)
	if n == 0 {
		return Path{Anchor: p.Anchor}
	}
	out := Path{Anchor: p.Hops[n-1].Type, Hops: make([]Hop, n)}
	for i := 0; i < n; i++ {
		src := p.Hops[n-1-i]
		var t ObjectType
		if n-2-i >= 0 {
			t = p.Hops[n-2-i].Type
		} else {
			t = p.Anchor
		}
		out.Hops[i] = Hop{Dir: src.Dir.flip(), Type: t}
	}
	return out
}

// HopsFrom returns the hop sequence to walk when starting from an object of
// the given type. The anchor matches directly; the terminal type matches via
// the reversed walk. The boolean is false when the type appears at neither
// end.
func (p Path) HopsFrom(start ObjectType) ([]Hop, bool) {
	if start == p.Anchor {
		return p.Hops, true
	}
	if start == p.Terminal() && len(p.Hops) > 0 {
		return p.Reversed().Hops, true
	}
	return nil, false
}

// Concat appends q's hops to p. q's anchor must equal p's terminal type;
// rule validation guarantees this for the parent-scope (up then down) rule
// shape before Concat is ever called.
func (p Path) Concat(q Path) Path {
	out := Path{Anchor: p.Anchor, Hops: make([]Hop, 0, len(p.Hops)+len(q.Hops))}
	out.Hops = append(out.Hops, p.Hops...)
	out.Hops = append(out.Hops, q.Hops...)
	return out
}
