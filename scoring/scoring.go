/*
Package scoring computes normalized sub-scores for one (organization, case package) pair.

PURPOSE:
  Every function here is pure and deterministic: same inputs, same output,
  no clock, no I/O. Every sub-score lies in [0,1].

DIMENSIONS:
  Geographic:   1.0 same province and city, 0.5 same province only, 0 otherwise.
                A package without a region scores a neutral 0.5.
  Capacity:     1 - load/100, clamped. Full organizations score 0.
  Experience:   0.7*min(cases/200, 1) + 0.3*min(years/5, 1)
  Performance:  0.7*recovery + 0.3*speed, speed = 1 - days/180 (clamped)
  Availability: 0 when inactive or full, else 0.5*headroom + 0.5*fit
                where fit = remaining monthly slots / package case count

MISSING HISTORY:
  Unknown history components take the neutral value 0.5 so that new
  members are not scored as if they had performed badly.

SEE ALSO:
  - strategy/: Weighs these sub-scores into an overall score
*/
package scoring

import (
	"math"
	"strings"
	"unicode"

	"github.com/warp/disposal-engine/engine"
)

// Neutral is substituted for unknown history.
const Neutral = 0.5

const (
	experienceCaseSaturation  = 200.0
	experienceYearsSaturation = 5.0
	performanceDaysBaseline   = 180.0
	fullLoad                  = 100.0
)

// Clamp restricts v to [0,1]. NaN maps to 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// =============================================================================
// REGION
// =============================================================================

// Region is a parsed "Province/City" location. Both parts are lower-cased.
type Region struct {
	Province string
	City     string
}

// ParseRegion splits free text on "/", "-", "," or whitespace. The first
// part is the province, the second the city; anything after is ignored.
func ParseRegion(s string) Region {
	parts := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == '/' || r == '-' || r == ',' || unicode.IsSpace(r)
	})
	var reg Region
	if len(parts) > 0 {
		reg.Province = parts[0]
	}
	if len(parts) > 1 {
		reg.City = parts[1]
	}
	return reg
}

// IsZero reports whether no province was found.
func (r Region) IsZero() bool { return r.Province == "" }

// Matches reports whether r equals target, or r's province equals target's
// province when target names no city.
func (r Region) Matches(target Region) bool {
	if r.IsZero() || target.IsZero() || r.Province != target.Province {
		return false
	}
	return target.City == "" || r.City == target.City
}

// =============================================================================
// SUB-SCORES
// =============================================================================

// Geographic scores how well the organization's region covers the package's.
func Geographic(org engine.Organization, pkg engine.CasePackage) float64 {
	want := ParseRegion(pkg.Region)
	if want.IsZero() {
		return Neutral
	}
	have := ParseRegion(org.Region)
	if have.IsZero() || have.Province != want.Province {
		return 0
	}
	if have.City == want.City {
		return 1
	}
	return 0.5
}

// Capacity decreases linearly with current load.
func Capacity(org engine.Organization) float64 {
	return Clamp(1 - org.CurrentLoad/fullLoad)
}

// Experience rewards case volume and tenure with saturation.
func Experience(org engine.Organization) float64 {
	cases := Neutral
	if org.HistoricalCases != nil {
		cases = math.Min(float64(*org.HistoricalCases)/experienceCaseSaturation, 1)
	}
	years := Neutral
	if org.MemberYears != nil {
		years = math.Min(*org.MemberYears/experienceYearsSaturation, 1)
	}
	return Clamp(0.7*cases + 0.3*years)
}

// Performance combines recovery rate and processing speed.
func Performance(org engine.Organization) float64 {
	recovery := Neutral
	if org.RecoveryRate != nil {
		recovery = Clamp(*org.RecoveryRate)
	}
	speed := Neutral
	if org.AvgProcessingDays != nil {
		speed = Clamp(1 - *org.AvgProcessingDays/performanceDaysBaseline)
	}
	return Clamp(0.7*recovery + 0.3*speed)
}

// Availability combines load headroom with how well the package fits in the
// organization's remaining monthly capacity. Inactive or full organizations
// score 0.
func Availability(org engine.Organization, pkg engine.CasePackage) float64 {
	if !org.MembershipActive || org.CurrentLoad >= fullLoad {
		return 0
	}
	headroom := Capacity(org)
	fit := headroom
	if org.MonthlyCapacity > 0 && pkg.CaseCount > 0 {
		remaining := float64(org.MonthlyCapacity) * headroom
		fit = Clamp(remaining / float64(pkg.CaseCount))
	}
	return Clamp(0.5*headroom + 0.5*fit)
}

// Breakdown computes every dimension for the pair.
func Breakdown(org engine.Organization, pkg engine.CasePackage) map[engine.Dimension]float64 {
	return map[engine.Dimension]float64{
		engine.DimGeographic:   Geographic(org, pkg),
		engine.DimCapacity:     Capacity(org),
		engine.DimExperience:   Experience(org),
		engine.DimPerformance:  Performance(org),
		engine.DimAvailability: Availability(org, pkg),
	}
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

// Eligible is the hard filter applied before ranking. Organizations that fail
// it are removed, not merely penalized.
func Eligible(org engine.Organization, pkg engine.CasePackage) (bool, string) {
	switch {
	case !org.MembershipActive:
		return false, "membership inactive"
	case org.CurrentLoad >= fullLoad:
		return false, "at full capacity"
	case Availability(org, pkg) <= 0:
		return false, "no availability"
	}
	return true, ""
}
