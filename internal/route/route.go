// Package route turns geographic route documents into a distance/grade
// profile that SIM steps ride along.
package route

import (
	"encoding/json"
	"fmt"
	"math"
)

// EarthRadiusMeters is the sphere radius used by Haversine.
const EarthRadiusMeters = 6371000.0

type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Elevation float64 `json:"elevation"`
}

// ProfilePoint is one entry of a preprocessed route. Grade describes the
// segment arriving at this point.
type ProfilePoint struct {
	Distance  float64 `json:"distance"`
	Elevation float64 `json:"elevation"`
	Grade     float64 `json:"grade"`
}

// DataError reports a route document that cannot be ridden.
type DataError struct {
	Reason string
}

func (e *DataError) Error() string {
	return "invalid route data: " + e.Reason
}

// Route is the stored route document. TotalDistance and AverageGrade are
// derived from GeoPoints when the route is built.
type Route struct {
	Name          string  `json:"name"`
	GeoPoints     []Point `json:"geoPoints"`
	TotalDistance float64 `json:"totalDistance"`
	AverageGrade  float64 `json:"averageGrade"`
}

// New validates the points and fills in the derived fields.
func New(name string, points []Point) (*Route, error) {
	if name == "" || len(points) == 0 {
		return nil, &DataError{Reason: "need 'name' and 'geoPoints'"}
	}
	for i, p := range points {
		if !finite(p.Latitude) || !finite(p.Longitude) || !finite(p.Elevation) {
			return nil, &DataError{Reason: fmt.Sprintf("geoPoint %d is not a number", i)}
		}
	}

	r := &Route{Name: name, GeoPoints: points}
	profile := Preprocess(points)
	r.TotalDistance = profile.TotalDistance()
	if r.TotalDistance > 0 {
		rise := points[len(points)-1].Elevation - points[0].Elevation
		r.AverageGrade = rise / r.TotalDistance * 100
	}
	return r, nil
}

// ParseJSON reads a route document of the form
// {"name": ..., "geoPoints": [{"latitude", "longitude", "elevation"}]}.
func ParseJSON(data []byte) (*Route, error) {
	var doc struct {
		Name      string  `json:"name"`
		GeoPoints []Point `json:"geoPoints"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &DataError{Reason: err.Error()}
	}
	return New(doc.Name, doc.GeoPoints)
}

// Profile preprocesses the route's points.
func (r *Route) Profile() Profile {
	return Preprocess(r.GeoPoints)
}

// Profile is a preprocessed route, ordered by cumulative distance.
type Profile []ProfilePoint

// Preprocess computes cumulative haversine distance and per-segment grade.
func Preprocess(points []Point) Profile {
	if len(points) == 0 {
		return Profile{}
	}

	profile := make(Profile, 0, len(points))
	profile = append(profile, ProfilePoint{Distance: 0, Elevation: points[0].Elevation, Grade: 0})

	total := 0.0
	for i := 0; i < len(points)-1; i++ {
		seg := Haversine(points[i], points[i+1])
		total += seg
		grade := 0.0
		if seg > 0 {
			grade = (points[i+1].Elevation - points[i].Elevation) / seg * 100
		}
		profile = append(profile, ProfilePoint{Distance: total, Elevation: points[i+1].Elevation, Grade: grade})
	}
	return profile
}

// GradeAtDistance returns the grade of the segment being ridden at d. It is
// not interpolated. An empty profile is flat.
func (p Profile) GradeAtDistance(d float64) float64 {
	if len(p) == 0 {
		return 0
	}
	if d <= 0 {
		return p[0].Grade
	}
	last := p[len(p)-1]
	if d >= last.Distance {
		return last.Grade
	}

	// first entry with Distance > d; its predecessor starts the segment
	lo, hi := 0, len(p)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if p[mid].Distance > d {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return p[lo].Grade
}

func (p Profile) TotalDistance() float64 {
	if len(p) == 0 {
		return 0
	}
	return p[len(p)-1].Distance
}

// Haversine is the great-circle distance between a and b in meters.
func Haversine(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
