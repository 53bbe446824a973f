package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/example/taxidispatch/internal/dispatch/domain"
	"github.com/example/taxidispatch/internal/dispatch/geo"
)

const defaultCallTimeout = 2 * time.Second

// Finder answers bounded nearest-taxi queries by fanning range scans out over
// the geohash cells that cover the search disk.
type Finder struct {
	store       domain.Store
	callTimeout time.Duration
	tracer      trace.Tracer
}

// NewFinder builds a finder. callTimeout bounds each individual range query.
func NewFinder(store domain.Store, callTimeout time.Duration) (*Finder, error) {
	if store == nil {
		return nil, errors.New("taxi store is required")
	}
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Finder{store: store, callTimeout: callTimeout, tracer: otel.Tracer("dispatch.matching.finder")}, nil
}

// FindNearest returns every taxi within the request radius, nearest first, ties
// broken by id. A failed range scan fails the whole call with domain.ErrTransport.
func (f *Finder) FindNearest(ctx context.Context, req domain.DispatchRequest, availableOnly bool) ([]domain.Candidate, error) {
	ctx, span := f.tracer.Start(ctx, "dispatch.find_nearest", trace.WithAttributes(
		attribute.Float64("origin.lat", req.OriginLat),
		attribute.Float64("origin.lng", req.OriginLng),
		attribute.Float64("radius_m", req.RadiusMeters),
		attribute.Bool("available_only", availableOnly),
	))
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	ranges, err := geo.BoundingRanges(req.OriginLat, req.OriginLng, req.RadiusMeters)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("ranges", len(ranges)))

	results := make([][]domain.Taxi, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range ranges {
		i, r := i, r
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, f.callTimeout)
			defer cancel()
			taxis, err := f.store.RangeQuery(callCtx, r.Low, r.High, availableOnly)
			if err != nil {
				return fmt.Errorf("range [%s, %s]: %w", r.Low, r.High, err)
			}
			results[i] = taxis
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if !errors.Is(err, domain.ErrTransport) {
			err = fmt.Errorf("%w: %w", domain.ErrTransport, err)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("find nearest: %w", err)
	}

	seen := make(map[string]struct{})
	candidates := make([]domain.Candidate, 0)
	for _, taxis := range results {
		for _, taxi := range taxis {
			if _, dup := seen[taxi.ID]; dup {
				continue
			}
			seen[taxi.ID] = struct{}{}
			if availableOnly && !taxi.Available {
				continue
			}
			dist := geo.Distance(req.OriginLat, req.OriginLng, taxi.Lat, taxi.Lng)
			if dist > req.RadiusMeters {
				continue
			}
			candidates = append(candidates, domain.Candidate{Taxi: taxi, DistanceMeters: dist})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Less(candidates[j]) })

	candidatesFound.Observe(float64(len(candidates)))
	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	return candidates, nil
}
