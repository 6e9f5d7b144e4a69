// Command ridectl runs maintenance jobs against the ride store: crash
// recovery, cluster rebuilds, offline replays of recorded fixes and token
// minting.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/vlebourl/redlights/internal/cluster"
	"github.com/vlebourl/redlights/internal/config"
	"github.com/vlebourl/redlights/internal/db"
	"github.com/vlebourl/redlights/internal/memstore"
	"github.com/vlebourl/redlights/internal/shared/logging"
	"github.com/vlebourl/redlights/internal/tracking"
)

// backend is the storage a command works against.
type backend struct {
	repo  tracking.Repository
	store cluster.Store
	close func()
}

type openFunc func(ctx context.Context, cfg config.Config, inMemory bool) (*backend, error)

func openBackend(ctx context.Context, cfg config.Config, inMemory bool) (*backend, error) {
	if inMemory {
		mem := memstore.New()
		return &backend{repo: mem, store: mem, close: func() {}}, nil
	}
	pg, err := db.ConnectPostgres(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx, pg); err != nil {
		pg.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &backend{
		repo:  tracking.NewPostgresRepository(pg),
		store: cluster.NewPostgresStore(pg),
		close: pg.Close,
	}, nil
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfg      config.Config
	open     openFunc
	inMemory bool
}

func (a *app) withBackend(ctx context.Context, fn func(*backend) error) error {
	b, err := a.open(ctx, a.cfg, a.inMemory)
	if err != nil {
		return err
	}
	defer b.close()
	return fn(b)
}

func newRootCmd(cfg config.Config, open openFunc) *cobra.Command {
	a := &app{cfg: cfg, open: open}

	root := &cobra.Command{
		Use:           "ridectl",
		Short:         "Maintenance tools for recorded rides and stop clusters",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&a.inMemory, "memory", false, "use a throwaway in-memory store instead of Postgres")
	root.PersistentFlags().Float64Var(&a.cfg.ClusterRadiusM, "radius", cfg.ClusterRadiusM, "cluster radius in meters")

	root.AddCommand(
		discardCommand(a),
		rebuildCommand(a),
		replayCommand(a),
		tokenCommand(a),
	)
	return root
}

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	if err := newRootCmd(cfg, openBackend).ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("ridectl failed")
		os.Exit(1)
	}
}
