package route

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threePointProfile() Profile {
	return Profile{
		{Distance: 0, Elevation: 0, Grade: 0},
		{Distance: 1000, Elevation: 50, Grade: 5},
		{Distance: 2000, Elevation: 50, Grade: 0},
	}
}

func TestGradeAtDistance(t *testing.T) {
	p := threePointProfile()

	assert.Equal(t, 5.0, p.GradeAtDistance(500))
	assert.Equal(t, 0.0, p.GradeAtDistance(-10))
	assert.Equal(t, 0.0, p.GradeAtDistance(5000))
	assert.Equal(t, 0.0, p.GradeAtDistance(0))
	assert.Equal(t, 5.0, p.GradeAtDistance(999.9))
	assert.Equal(t, 0.0, p.GradeAtDistance(1000))

	// repeated lookups agree
	assert.Equal(t, p.GradeAtDistance(500), p.GradeAtDistance(500))
}

func TestGradeAtDistance_EmptyProfile(t *testing.T) {
	var p Profile
	assert.Equal(t, 0.0, p.GradeAtDistance(100))
	assert.Equal(t, 0.0, p.TotalDistance())
}

func TestPreprocess(t *testing.T) {
	assert.Empty(t, Preprocess(nil))

	// 0.01 degrees of latitude is roughly 1112 m
	points := []Point{
		{Latitude: 0, Longitude: 0, Elevation: 100},
		{Latitude: 0.01, Longitude: 0, Elevation: 155.6},
		{Latitude: 0.01, Longitude: 0, Elevation: 160},
	}
	p := Preprocess(points)
	require.Len(t, p, 3)

	assert.Equal(t, ProfilePoint{Distance: 0, Elevation: 100, Grade: 0}, p[0])
	assert.InDelta(t, 1111.95, p[1].Distance, 0.1)
	assert.InDelta(t, 5.0, p[1].Grade, 0.01)
	assert.Equal(t, 155.6, p[1].Elevation)

	// zero-length segment is flat but keeps the new elevation
	assert.Equal(t, p[1].Distance, p[2].Distance)
	assert.Equal(t, 0.0, p[2].Grade)
	assert.Equal(t, 160.0, p[2].Elevation)
}

func TestHaversine(t *testing.T) {
	dublin := Point{Latitude: 53.3498, Longitude: -6.2603}
	galway := Point{Latitude: 53.2707, Longitude: -9.0568}

	assert.InDelta(t, 186_000, Haversine(dublin, galway), 1500)
	assert.Equal(t, 0.0, Haversine(dublin, dublin))
}

func TestParseJSON(t *testing.T) {
	r, err := ParseJSON([]byte(`{
		"name": "Hill",
		"geoPoints": [
			{"latitude": 0, "longitude": 0, "elevation": 10},
			{"latitude": 0.01, "longitude": 0, "elevation": 65.6}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "Hill", r.Name)
	assert.InDelta(t, 1111.95, r.TotalDistance, 0.1)
	assert.InDelta(t, 5.0, r.AverageGrade, 0.01)
	assert.Len(t, r.Profile(), 2)
}

func TestParseJSON_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing name":      `{"geoPoints": [{"latitude": 0, "longitude": 0, "elevation": 0}]}`,
		"missing geoPoints": `{"name": "x"}`,
		"not json":          `{"name":`,
		"wrong type":        `{"name": "x", "geoPoints": "nope"}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseJSON([]byte(doc))
			var dataErr *DataError
			require.True(t, errors.As(err, &dataErr), "got %v", err)
		})
	}
}

func TestNew_SinglePointIsFlat(t *testing.T) {
	r, err := New("dot", []Point{{Latitude: 1, Longitude: 1, Elevation: 3}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, r.TotalDistance)
	assert.Equal(t, 0.0, r.AverageGrade)
}
