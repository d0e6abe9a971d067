package workout

import (
	"context"
	"fmt"

	"github.com/nford88/hybrid-workout-ftms/internal/route"
)

// RouteResolver finds the route a SIM step rides by its segment name.
type RouteResolver interface {
	ResolveRoute(ctx context.Context, name string) (*route.Route, error)
}

// Routes is an in-memory RouteResolver keyed by route name.
type Routes map[string]*route.Route

var _ RouteResolver = Routes(nil)

func (r Routes) ResolveRoute(_ context.Context, name string) (*route.Route, error) {
	rt, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("route %q not loaded", name)
	}
	return rt, nil
}

// resolvedRoute is a route ready to ride.
type resolvedRoute struct {
	name    string
	profile route.Profile
	total   float64
}
