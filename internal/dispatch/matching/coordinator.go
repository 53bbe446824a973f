package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/taxidispatch/internal/dispatch/domain"
	"github.com/example/taxidispatch/internal/eta"
)

type reserveOutcome string

const (
	outcomeWon     reserveOutcome = "won"
	outcomeLost    reserveOutcome = "lost"
	outcomeUnknown reserveOutcome = "unknown"
)

// CoordinatorConfig tunes the dispatch walk.
type CoordinatorConfig struct {
	AverageSpeedKMH float64
	CallTimeout     time.Duration
	Clock           domain.Clock
}

// Coordinator assigns at most one taxi per dispatch by walking ranked
// candidates and attempting a conditional reservation on each.
type Coordinator struct {
	finder      *Finder
	store       domain.Store
	events      domain.EventPublisher
	logger      *zap.Logger
	estimator   eta.Estimator
	callTimeout time.Duration
	clock       domain.Clock
	tracer      trace.Tracer
}

// NewCoordinator wires a coordinator. events may be nil.
func NewCoordinator(finder *Finder, store domain.Store, events domain.EventPublisher, logger *zap.Logger, cfg CoordinatorConfig) (*Coordinator, error) {
	if finder == nil {
		return nil, errors.New("finder is required")
	}
	if store == nil {
		return nil, errors.New("taxi store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AverageSpeedKMH == 0 {
		cfg.AverageSpeedKMH = eta.DefaultSpeedKMH
	}
	estimator, err := eta.NewEstimator(cfg.AverageSpeedKMH)
	if err != nil {
		return nil, err
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = domain.SystemClock{}
	}
	return &Coordinator{
		finder:      finder,
		store:       store,
		events:      events,
		logger:      logger.Named("coordinator"),
		estimator:   estimator,
		callTimeout: cfg.CallTimeout,
		clock:       cfg.Clock,
		tracer:      otel.Tracer("dispatch.matching.coordinator"),
	}, nil
}

// Nearest lists in-radius taxis without reserving any of them.
func (c *Coordinator) Nearest(ctx context.Context, req domain.DispatchRequest, availableOnly bool) ([]domain.Candidate, error) {
	return c.finder.FindNearest(ctx, req, availableOnly)
}

// Estimate returns the pickup estimate in minutes for a distance.
func (c *Coordinator) Estimate(distanceMeters float64) int {
	return c.estimator.Minutes(distanceMeters)
}

// Dispatch reserves the nearest available taxi. A result with Assigned false
// means every candidate was taken or none was in range.
func (c *Coordinator) Dispatch(ctx context.Context, req domain.DispatchRequest) (domain.DispatchResult, error) {
	start := time.Now()
	dispatchID := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, "dispatch.dispatch", trace.WithAttributes(
		attribute.String("dispatch.id", dispatchID),
	))
	defer span.End()
	logger := c.logger.With(zap.String("dispatch_id", dispatchID))

	result, err := c.dispatch(ctx, logger, dispatchID, req)
	label := "no_taxi"
	switch {
	case err != nil:
		label = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case result.Assigned:
		label = "assigned"
		span.SetAttributes(attribute.String("taxi.id", result.Taxi.ID))
	}
	dispatchDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	return result, err
}

func (c *Coordinator) dispatch(ctx context.Context, logger *zap.Logger, dispatchID string, req domain.DispatchRequest) (domain.DispatchResult, error) {
	candidates, err := c.finder.FindNearest(ctx, req, true)
	if err != nil {
		return domain.DispatchResult{}, err
	}
	logger.Debug("candidates ranked", zap.Int("count", len(candidates)))

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return domain.DispatchResult{}, fmt.Errorf("dispatch: %w: %w", domain.ErrTransport, err)
		}
		outcome := c.reserve(ctx, logger, cand.Taxi.ID, dispatchID)
		reservationAttempts.WithLabelValues(string(outcome)).Inc()
		if outcome != outcomeWon {
			continue
		}

		taxi := cand.Taxi
		taxi.Available = false
		taxi.ReservedBy = dispatchID
		result := domain.DispatchResult{
			Assigned:         true,
			DispatchID:       dispatchID,
			Taxi:             taxi,
			DistanceMeters:   cand.DistanceMeters,
			EstimatedMinutes: c.estimator.Minutes(cand.DistanceMeters),
		}
		logger.Info("taxi assigned",
			zap.String("taxi_id", taxi.ID),
			zap.Float64("distance_m", cand.DistanceMeters),
			zap.Int("eta_min", result.EstimatedMinutes))
		c.publish(ctx, domain.DispatchEvent{
			Type:             domain.EventTaxiDispatched,
			TaxiID:           taxi.ID,
			DispatchID:       dispatchID,
			DistanceMeters:   cand.DistanceMeters,
			EstimatedMinutes: result.EstimatedMinutes,
			OccurredAt:       c.clock.Now(),
		})
		return result, nil
	}

	logger.Info("no taxi available", zap.Int("candidates", len(candidates)))
	return domain.DispatchResult{DispatchID: dispatchID}, nil
}

// reserve attempts the conditional write for one candidate. A transport error
// leaves the outcome unknown, so the taxi is read back to see whether this
// dispatch holds it.
func (c *Coordinator) reserve(ctx context.Context, logger *zap.Logger, taxiID, dispatchID string) reserveOutcome {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	err := c.store.Reserve(callCtx, taxiID, dispatchID)
	cancel()
	switch {
	case err == nil:
		return outcomeWon
	case errors.Is(err, domain.ErrPreconditionFailed), errors.Is(err, domain.ErrNotFound):
		return outcomeLost
	}

	logger.Warn("reservation outcome unknown, probing", zap.String("taxi_id", taxiID), zap.Error(err))
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.callTimeout)
	defer cancel()
	taxi, perr := c.store.Get(probeCtx, taxiID)
	if perr != nil {
		logger.Error("reservation probe failed", zap.String("taxi_id", taxiID), zap.Error(perr))
		return outcomeUnknown
	}
	if !taxi.Available && taxi.ReservedBy == dispatchID {
		return outcomeWon
	}
	return outcomeLost
}

// Release makes a reserved taxi available again.
func (c *Coordinator) Release(ctx context.Context, taxiID string) error {
	ctx, span := c.tracer.Start(ctx, "dispatch.release", trace.WithAttributes(attribute.String("taxi.id", taxiID)))
	defer span.End()

	if taxiID == "" {
		return fmt.Errorf("%w: taxi id is required", domain.ErrInvalidArgument)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if err := c.store.Release(callCtx, taxiID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("release %s: %w", taxiID, err)
	}
	c.logger.Info("taxi released", zap.String("taxi_id", taxiID))
	c.publish(ctx, domain.DispatchEvent{
		Type:       domain.EventTaxiReleased,
		TaxiID:     taxiID,
		OccurredAt: c.clock.Now(),
	})
	return nil
}

func (c *Coordinator) publish(ctx context.Context, event domain.DispatchEvent) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, event); err != nil {
		c.logger.Warn("publish dispatch event", zap.String("type", string(event.Type)), zap.Error(err))
	}
}
