// Package condition defines the closed set of vinyl condition grades and
// the condition curve applied to base prices. Media and sleeve condition
// are graded independently on the same scale.
package condition

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Grade is a physical condition rating, ordered from best to worst.
type Grade string

const (
	Mint    Grade = "MINT"
	NM      Grade = "NM"
	VGPlus  Grade = "VG_PLUS"
	VG      Grade = "VG"
	VGMinus Grade = "VG_MINUS"
	G       Grade = "G"
	Fair    Grade = "FAIR"
	Poor    Grade = "POOR"
)

// Grades lists every grade in order, best first.
var Grades = []Grade{Mint, NM, VGPlus, VG, VGMinus, G, Fair, Poor}

var validGrades = map[Grade]bool{
	Mint: true, NM: true, VGPlus: true, VG: true,
	VGMinus: true, G: true, Fair: true, Poor: true,
}

var (
	ErrInvalidGrade    = errors.New("condition: invalid grade")
	ErrIncompleteCurve = errors.New("condition: curve must cover all grades")
)

// Parse validates a grade string against the closed set.
func Parse(s string) (Grade, error) {
	g := Grade(s)
	if !validGrades[g] {
		return "", fmt.Errorf("%w: %q", ErrInvalidGrade, s)
	}
	return g, nil
}

// Curve maps a grade to the multiplier applied to a base price.
// A curve stored on a legacy policy may be partial; missing grades
// multiply by 1 at calculation time.
type Curve map[Grade]decimal.Decimal

// Weights splits the condition adjustment between media and sleeve.
type Weights struct {
	Media  decimal.Decimal `json:"media"`
	Sleeve decimal.Decimal `json:"sleeve"`
}

// DefaultCurve returns the engine's built-in condition curve, used when a
// policy carries none. NM is the 1.0 anchor.
func DefaultCurve() Curve {
	return Curve{
		Mint:    decimal.NewFromFloat(1.10),
		NM:      decimal.NewFromFloat(1.00),
		VGPlus:  decimal.NewFromFloat(0.85),
		VG:      decimal.NewFromFloat(0.65),
		VGMinus: decimal.NewFromFloat(0.50),
		G:       decimal.NewFromFloat(0.35),
		Fair:    decimal.NewFromFloat(0.20),
		Poor:    decimal.NewFromFloat(0.10),
	}
}

// DefaultWeights returns the built-in media/sleeve split.
func DefaultWeights() Weights {
	return Weights{
		Media:  decimal.NewFromFloat(0.6),
		Sleeve: decimal.NewFromFloat(0.4),
	}
}

// Multiplier returns the curve value for a grade, defaulting to 1 when the
// grade is absent so that partial legacy curves still price.
func (c Curve) Multiplier(g Grade) decimal.Decimal {
	if m, ok := c[g]; ok {
		return m
	}
	return decimal.NewFromInt(1)
}

// Validate checks that every grade in the curve is a known grade and that
// no multiplier is negative.
func (c Curve) Validate() error {
	for g, m := range c {
		if !validGrades[g] {
			return fmt.Errorf("%w: %q", ErrInvalidGrade, g)
		}
		if m.IsNegative() {
			return fmt.Errorf("condition: negative multiplier %s for grade %s", m, g)
		}
	}
	return nil
}

// ValidateComplete checks Validate plus full coverage of all 8 grades.
// Applied when a policy is saved so gaps are caught at write time instead
// of silently defaulting at read time.
func (c Curve) ValidateComplete() error {
	if err := c.Validate(); err != nil {
		return err
	}
	for _, g := range Grades {
		if _, ok := c[g]; !ok {
			return fmt.Errorf("%w: missing %s", ErrIncompleteCurve, g)
		}
	}
	return nil
}
