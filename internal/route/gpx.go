package route

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tkrajina/gpxgo/gpx"
)

// LoadGPXFile imports a GPX file as a route. The file name (without
// extension) names the route when the GPX carries no name.
func LoadGPXFile(path string) (*Route, error) {
	g, err := gpx.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	fallback := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return fromGPX(g, "", fallback)
}

// ParseGPX imports GPX bytes as a route named name, or the GPX name when
// name is empty.
func ParseGPX(name string, data []byte) (*Route, error) {
	g, err := gpx.ParseBytes(data)
	if err != nil {
		return nil, &DataError{Reason: err.Error()}
	}
	return fromGPX(g, name, "GPX route")
}

// fromGPX prefers track points and falls back to route points.
func fromGPX(g *gpx.GPX, name, fallback string) (*Route, error) {
	var points []Point
	add := func(p *gpx.GPXPoint) {
		points = append(points, Point{
			Latitude:  p.Point.Latitude,
			Longitude: p.Point.Longitude,
			Elevation: p.Elevation.Value(),
		})
	}

	for _, track := range g.Tracks {
		for _, segment := range track.Segments {
			for i := range segment.Points {
				add(&segment.Points[i])
			}
		}
	}
	if len(points) == 0 {
		for _, rte := range g.Routes {
			for i := range rte.Points {
				add(&rte.Points[i])
			}
		}
	}
	if len(points) < 2 {
		return nil, &DataError{Reason: "GPX contains fewer than 2 points"}
	}

	if name == "" {
		name = g.Name
	}
	if name == "" && len(g.Tracks) > 0 {
		name = g.Tracks[0].Name
	}
	if name == "" {
		name = fallback
	}
	return New(name, points)
}
