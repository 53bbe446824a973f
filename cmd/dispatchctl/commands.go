package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/example/taxidispatch/internal/dispatch/domain"
	"github.com/example/taxidispatch/internal/dispatch/seed"
	"github.com/example/taxidispatch/internal/location"
)

var (
	seedFile      string
	originLat     float64
	originLng     float64
	radiusMeters  float64
	includeBusy   bool
	grpcAddr      string
	positionStamp int64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Replace the taxi pool with the demo fleet or a JSON fleet file",
	RunE: withCore(func(ctx context.Context, c *core, cmd *cobra.Command, _ []string) error {
		specs := seed.DefaultFleet()
		if seedFile != "" {
			loaded, err := seed.LoadSpecs(seedFile)
			if err != nil {
				return err
			}
			specs = loaded
		}
		ids, err := c.seeder.Seed(ctx, specs)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"count": len(ids), "ids": ids})
	}),
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Reserve the nearest available taxi for a pickup point",
	RunE: withCore(func(ctx context.Context, c *core, cmd *cobra.Command, _ []string) error {
		res, err := c.coordinator.Dispatch(ctx, c.request(cmd))
		if err != nil {
			return err
		}
		if !res.Assigned {
			return printJSON(cmd.OutOrStdout(), map[string]any{"status": "no_taxi_available"})
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"status":            "assigned",
			"dispatch_id":       res.DispatchID,
			"taxi":              res.Taxi,
			"distance_km":       roundKM(res.DistanceMeters),
			"estimated_minutes": res.EstimatedMinutes,
		})
	}),
}

var nearestCmd = &cobra.Command{
	Use:   "nearest",
	Short: "List taxis within the radius, nearest first, without reserving",
	RunE: withCore(func(ctx context.Context, c *core, cmd *cobra.Command, _ []string) error {
		cands, err := c.coordinator.Nearest(ctx, c.request(cmd), !includeBusy)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), cands)
	}),
}

var releaseCmd = &cobra.Command{
	Use:   "release <taxi-id>",
	Short: "Return a reserved taxi to the pool",
	Args:  cobra.ExactArgs(1),
	RunE: withCore(func(ctx context.Context, c *core, cmd *cobra.Command, args []string) error {
		if err := c.coordinator.Release(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
		return nil
	}),
}

var moveCmd = &cobra.Command{
	Use:   "move <taxi-id>",
	Short: "Report a taxi position to a running dispatch service over gRPC",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		conn, err := grpc.DialContext(ctx, grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("dial %s: %w", grpcAddr, err)
		}
		defer conn.Close()

		stream, err := location.NewLocationClient(conn).StreamPositions(ctx)
		if err != nil {
			return err
		}
		ts := positionStamp
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		if err := stream.Send(&location.TaxiPosition{TaxiId: args[0], Lat: originLat, Lng: originLng, Ts: ts}); err != nil {
			return err
		}
		ack, err := stream.CloseAndRecv()
		if err != nil {
			return err
		}
		if ack.Accepted == 0 {
			return errors.New("position rejected")
		}
		return printJSON(cmd.OutOrStdout(), ack)
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "", "JSON fleet file (defaults to the built-in demo fleet)")

	for _, c := range []*cobra.Command{dispatchCmd, nearestCmd, moveCmd} {
		c.Flags().Float64Var(&originLat, "lat", 0, "latitude")
		c.Flags().Float64Var(&originLng, "lng", 0, "longitude")
		_ = c.MarkFlagRequired("lat")
		_ = c.MarkFlagRequired("lng")
	}
	for _, c := range []*cobra.Command{dispatchCmd, nearestCmd} {
		c.Flags().Float64Var(&radiusMeters, "radius", 0, "search radius in meters (defaults to DISPATCH_RADIUS_M)")
	}
	nearestCmd.Flags().BoolVar(&includeBusy, "all", false, "include reserved taxis")
	moveCmd.Flags().StringVar(&grpcAddr, "addr", "localhost:9090", "dispatch service gRPC address")
	moveCmd.Flags().Int64Var(&positionStamp, "ts", 0, "report timestamp in unix milliseconds (defaults to now)")
}

// request builds the pickup request from the flags. An explicit --radius is
// passed through unchanged so non-positive values are rejected downstream.
func (c *core) request(cmd *cobra.Command) domain.DispatchRequest {
	radius := c.cfg.DefaultRadiusMeters
	if cmd.Flags().Changed("radius") {
		radius = radiusMeters
	}
	return domain.DispatchRequest{OriginLat: originLat, OriginLng: originLng, RadiusMeters: radius}
}

func withCore(fn func(ctx context.Context, c *core, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		c, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer c.close()
		return fn(ctx, c, cmd, args)
	}
}

func roundKM(meters float64) float64 {
	return float64(int64(meters/100+0.5)) / 10
}
