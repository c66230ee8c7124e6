// Package alignment reconstructs row structure from independently ordered
// element streams using vertical proximity. A rendered list exposes its
// usernames, comment bodies and profile links as separate streams with no
// shared key; pairing each primary element with the nearest unused
// secondary element by Y center recovers which fragments belong together.
package alignment

import (
	"math"

	"github.com/ahrav/harvester/internal/domain/record"
)

// Box is an element's bounding box in page coordinates.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Valid reports whether the box has measurable geometry. Zero area and
// non-finite coordinates are invalid.
func (b *Box) Valid() bool {
	if b == nil {
		return false
	}
	for _, f := range []float64{b.X, b.Y, b.Width, b.Height} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return b.Width > 0 && b.Height > 0
}

// CenterY is the vertical center of the box.
func (b *Box) CenterY() float64 { return b.Y + b.Height/2 }

// Element is one extracted fragment: its text and where it was drawn. A nil
// Box means the renderer could not measure it.
type Element struct {
	Text string `json:"text"`
	Box  *Box   `json:"box,omitempty"`
}

// Stream is the ordered list of elements extracted for one semantic role.
type Stream struct {
	Role     string
	Elements []Element
}

// MatchedPair links primary element Primary to secondary element Secondary.
// When Matched is false no secondary was available and Secondary is -1.
type MatchedPair struct {
	Primary   int
	Secondary int
	Distance  float64
	Matched   bool
}

// Aligner pairs a primary stream with one secondary stream. Implementations
// must never assign a secondary index to more than one primary.
type Aligner interface {
	Match(primary, secondary []Element) []MatchedPair
}

// Align runs aligner over every secondary stream and returns one pair set per
// secondary, in the order given. An empty primary yields empty sets.
func Align(aligner Aligner, primary Stream, secondaries ...Stream) [][]MatchedPair {
	out := make([][]MatchedPair, len(secondaries))
	for i, s := range secondaries {
		out[i] = aligner.Match(primary.Elements, s.Elements)
	}
	return out
}

// Resolve turns a pair set into one normalized value per primary element.
// Unmatched primaries get Missing.
func Resolve(secondary []Element, pairs []MatchedPair) []record.Value {
	out := make([]record.Value, len(pairs))
	for i, p := range pairs {
		if !p.Matched || p.Secondary < 0 || p.Secondary >= len(secondary) {
			out[i] = record.Missing()
			continue
		}
		out[i] = record.NormalizedValue(secondary[p.Secondary].Text)
	}
	return out
}

func unmatched(i int) MatchedPair { return MatchedPair{Primary: i, Secondary: -1} }

// Greedy walks primaries in input order and gives each the nearest unused
// secondary by Y center. Ties go to the first secondary encountered and a
// consumed secondary is never reconsidered.
type Greedy struct{}

// Match implements Aligner.
func (Greedy) Match(primary, secondary []Element) []MatchedPair {
	pairs := make([]MatchedPair, len(primary))
	used := make([]bool, len(secondary))

	for i, p := range primary {
		if !p.Box.Valid() {
			pairs[i] = unmatched(i)
			continue
		}
		y := p.Box.CenterY()

		best, bestDist := -1, 0.0
		for j, s := range secondary {
			if used[j] || !s.Box.Valid() {
				continue
			}
			d := math.Abs(y - s.Box.CenterY())
			if best == -1 || d < bestDist {
				best, bestDist = j, d
			}
		}

		if best == -1 {
			pairs[i] = unmatched(i)
			continue
		}
		used[best] = true
		pairs[i] = MatchedPair{Primary: i, Secondary: best, Distance: bestDist, Matched: true}
	}

	return pairs
}
