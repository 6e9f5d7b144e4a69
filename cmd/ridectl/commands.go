package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/vlebourl/redlights/internal/auth"
	"github.com/vlebourl/redlights/internal/cluster"
	"github.com/vlebourl/redlights/internal/fixsource"
	"github.com/vlebourl/redlights/internal/ride"
	"github.com/vlebourl/redlights/internal/tracking"
)

func discardCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "discard-unfinished",
		Short: "Delete sessions left open by a crash and repair their clusters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBackend(cmd.Context(), func(b *backend) error {
				engine := cluster.NewEngine(b.store, a.cfg.ClusterRadiusM, nil)
				p := tracking.NewPipeline(b.repo, engine, tracking.DefaultParams())
				n, err := p.Recover(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "discarded %d unfinished sessions\n", n)
				return nil
			})
		},
	}
}

func rebuildCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-clusters",
		Short: "Recompute every stop cluster from scratch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBackend(cmd.Context(), func(b *backend) error {
				engine := cluster.NewEngine(b.store, a.cfg.ClusterRadiusM, nil)
				n, err := engine.RebuildAll(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %d clusters\n", n)
				return nil
			})
		},
	}
}

func replayCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Record a session from newline-delimited JSON fixes (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			fixes, err := readFixes(in)
			if err != nil {
				return err
			}
			if len(fixes) == 0 {
				return errors.New("no fixes to replay")
			}

			return a.withBackend(cmd.Context(), func(b *backend) error {
				sess, stops, err := replay(cmd, a, b, fixes)
				if err != nil {
					return err
				}
				return printReplay(cmd.OutOrStdout(), sess, stops)
			})
		},
	}
	return cmd
}

// replay feeds fixes through a fresh pipeline with a clock pinned to the
// recording, so session times match the fixes rather than the replay.
func replay(cmd *cobra.Command, a *app, b *backend, fixes []ride.Fix) (ride.Session, []ride.StopEvent, error) {
	ctx := cmd.Context()
	clock := fixes[0].Timestamp
	params := tracking.DefaultParams()
	if a.cfg.MaxAccuracyM > 0 {
		params.MaxAccuracyM = a.cfg.MaxAccuracyM
	}
	engine := cluster.NewEngine(b.store, a.cfg.ClusterRadiusM, nil)
	p := tracking.NewPipeline(b.repo, engine, params,
		tracking.WithClock(func() time.Time { return clock }))

	sess, err := p.StartSession(ctx)
	if err != nil {
		return ride.Session{}, nil, err
	}

	src := fixsource.NewChannelSource(len(fixes))
	for _, f := range fixes {
		if err := src.Push(ctx, f); err != nil {
			return ride.Session{}, nil, err
		}
	}
	src.Close()
	if err := fixsource.Pump(ctx, src, p, sess.ID); err != nil {
		return ride.Session{}, nil, err
	}

	clock = fixes[len(fixes)-1].Timestamp
	sess, err = p.EndSession(ctx, sess.ID)
	if err != nil {
		return ride.Session{}, nil, err
	}
	stops, err := p.Stops(ctx, sess.ID)
	return sess, stops, err
}

func readFixes(r io.Reader) ([]ride.Fix, error) {
	dec := json.NewDecoder(r)
	var fixes []ride.Fix
	for line := 1; ; line++ {
		var f ride.Fix
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			return fixes, nil
		}
		if err != nil {
			return nil, fmt.Errorf("fix %d: %w", line, err)
		}
		fixes = append(fixes, f)
	}
}

func printReplay(w io.Writer, sess ride.Session, stops []ride.StopEvent) error {
	fmt.Fprintf(w, "session %s: %.2f km, %d stops, %ds stopped, avg %.1f km/h, max %.1f km/h\n",
		sess.ID, sess.TotalDistanceKm, sess.StopCount, sess.TotalStopSeconds, sess.AverageSpeedKmh, sess.MaxSpeedKmh)
	for _, s := range stops {
		cid := "-"
		if s.ClusterID != nil {
			cid = fmt.Sprint(*s.ClusterID)
		}
		if _, err := fmt.Fprintf(w, "  stop %d at %.6f,%.6f for %ds (cluster %s)\n",
			s.SequenceNumber, s.Latitude, s.Longitude, s.DurationSeconds, cid); err != nil {
			return err
		}
	}
	return nil
}

func tokenCommand(a *app) *cobra.Command {
	var (
		rider string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the rider app",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := auth.NewService(a.cfg.JWTSecret).IssueToken(rider, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&rider, "rider", "rider", "rider id embedded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.AccessTokenTTL, "token lifetime")
	return cmd
}
