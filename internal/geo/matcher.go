// internal/geo/matcher.go
package geo

import (
	"math"
	"slices"

	"contractor-dispatch/internal/domain"
)

const (
	// EarthRadiusMiles is the mean Earth radius used by Distance.
	EarthRadiusMiles = 3959.0

	// DefaultTieBandMiles is the distance window inside which rating outranks proximity.
	DefaultTieBandMiles = 5.0
)

// Distance returns the great-circle distance between a and b in miles.
func Distance(a, b domain.Location) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// Rounding can push h a hair past 1 for antipodal points.
	h = math.Min(1, math.Max(0, h))
	return EarthRadiusMiles * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Matcher ranks a contractor pool against a job location.
type Matcher struct {
	tieBand float64
}

// NewMatcher creates a Matcher. A non-positive tieBand falls back to DefaultTieBandMiles.
func NewMatcher(tieBand float64) *Matcher {
	if tieBand <= 0 {
		tieBand = DefaultTieBandMiles
	}
	return &Matcher{tieBand: tieBand}
}

// TieBand returns the configured tie band in miles.
func (m *Matcher) TieBand() float64 {
	return m.tieBand
}

// Rank filters the pool down to eligible contractors within maxDistance of the job,
// orders them and returns at most count candidates.
//
// Eligible means role contractor, available, verified and not in exclude.
// Candidates are ordered by ascending distance, except that two candidates whose
// distances differ by less than the tie band are ordered by descending rating.
// That comparison is not transitive, so the sort is stable over pool order to keep
// results deterministic.
func (m *Matcher) Rank(
	job domain.Location,
	pool []*domain.Contractor,
	exclude map[string]struct{},
	maxDistance float64,
	count int,
) []domain.ContractorDispatchInfo {
	candidates := make([]domain.ContractorDispatchInfo, 0, len(pool))
	if count <= 0 {
		return candidates
	}

	for _, c := range pool {
		if c == nil || !eligible(c) {
			continue
		}
		if _, skip := exclude[c.ID]; skip {
			continue
		}
		d := Distance(job, c.Location)
		if d > maxDistance {
			continue
		}
		candidates = append(candidates, domain.ContractorDispatchInfo{
			ContractorID:  c.ID,
			Name:          c.Name,
			Location:      c.Location,
			Distance:      d,
			Rating:        c.Rating,
			CompletedJobs: c.CompletedJobs,
			Availability:  c.Availability,
			PushToken:     c.PushToken,
		})
	}

	slices.SortStableFunc(candidates, m.compare)

	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

func (m *Matcher) compare(a, b domain.ContractorDispatchInfo) int {
	if math.Abs(a.Distance-b.Distance) < m.tieBand {
		switch {
		case a.Rating > b.Rating:
			return -1
		case a.Rating < b.Rating:
			return 1
		}
		return 0
	}
	if a.Distance < b.Distance {
		return -1
	}
	return 1
}

func eligible(c *domain.Contractor) bool {
	return c.Role == domain.RoleContractor &&
		c.Availability == domain.AvailabilityAvailable &&
		c.Verified
}
