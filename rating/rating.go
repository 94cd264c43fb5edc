// Package rating implements the Glicko-style rating arithmetic used to
// score (player, character) pairings: expected outcome, pairwise update,
// and rating-deviation decay. Every function here is pure — no I/O, no
// global state — so the callers that drive the rating tables (update,
// decay, moderation) can apply it deterministically and replay it.
package rating

import "math"

const (
	// DefaultValue is the rating a brand-new (player, character) pair starts at.
	DefaultValue = 1500.0
	// InitialDeviation is both the starting deviation and the ceiling decay clamps to.
	InitialDeviation = 350.0
	// MinDeviation is the floor applied to player-level ratings.
	MinDeviation = 25.0
	// MatchupMinDeviation is the (lower) floor used for matchup and global-matchup
	// tables, which accumulate far fewer games per row than a player rating does.
	MatchupMinDeviation = 5.0
	// LowDeviation is the "confident" threshold gating rankings, distributions,
	// top_rating/top_defeated, and matchup aggregation.
	LowDeviation = 75.0

	q           = 0.0057565
	uncertainty = 0.1
	updateSpeed = 1.0
)

// Rating is a (value, deviation) pair on the display scale (center 1500,
// initial deviation 350).
type Rating struct {
	Value     float64
	Deviation float64
}

// Default returns a fresh rating for a (player, character) pair seen for
// the first time.
func Default() Rating {
	return Rating{Value: DefaultValue, Deviation: InitialDeviation}
}

func g(rd float64) float64 {
	return 1.0 / math.Sqrt(1.0+3.0*q*q*rd*rd/(math.Pi*math.Pi))
}

func e(r, rJ, rdJ float64) float64 {
	return 1.0 / (1.0 + math.Pow(10, (1.0-uncertainty)*-g(rdJ)*(r-rJ)/400.0))
}

// Expected returns the probability that self beats other.
func (self Rating) Expected(other Rating) float64 {
	combined := math.Sqrt(self.Deviation*self.Deviation + other.Deviation*other.Deviation)
	return 1.0 / (1.0 + math.Pow(10, -g(combined)*(self.Value-other.Value)/400.0))
}

// UpdateWithMinDeviation applies the Glicko pairwise update against other
// given a result in {0.0, 1.0}, clamping the new deviation at minDeviation
// instead of the player-level default. It panics if the result contradicts
// the rating movement — that indicates numeric corruption upstream, which
// spec.md treats as a hard abort rather than a recoverable error.
func (self Rating) UpdateWithMinDeviation(other Rating, result, minDeviation float64) Rating {
	d2 := 1.0 / (q * q * g(other.Deviation) * g(other.Deviation) *
		e(self.Value, other.Value, other.Deviation) * (1.0 - e(self.Value, other.Value, other.Deviation)))

	newValue := self.Value + updateSpeed*
		(q/((1.0/(self.Deviation*self.Deviation))+(1.0/d2)))*
		g(other.Deviation)*(result-e(self.Value, other.Value, other.Deviation))
	newDeviation := math.Max(
		math.Sqrt(1.0/(1.0/(self.Deviation*self.Deviation)+1.0/d2)),
		minDeviation,
	)

	res := Rating{Value: newValue, Deviation: newDeviation}

	if result == 0.0 && res.Value >= self.Value {
		panic("rating update: lost but value increased")
	}
	if result == 1.0 && res.Value <= self.Value {
		panic("rating update: won but value decreased")
	}

	return res
}

// Update applies the pairwise update with the standard player-level
// minimum deviation.
func (self Rating) Update(other Rating, result float64) Rating {
	return self.UpdateWithMinDeviation(other, result, MinDeviation)
}

// RatingChange returns the delta Update would apply, without needing the caller
// to diff the before/after ratings themselves.
func (self Rating) RatingChange(other Rating, result float64) float64 {
	return self.Update(other, result).Value - self.Value
}

// DecayDeviation advances the deviation by periods rating-periods of
// uncertainty growth at rate c, clamped to InitialDeviation.
func (self Rating) DecayDeviation(periods int64, c float64) Rating {
	d := self.Deviation
	for i := int64(0); i < periods; i++ {
		d = math.Min(InitialDeviation, math.Sqrt(d*d+c*c))
	}
	return Rating{Value: self.Value, Deviation: d}
}
