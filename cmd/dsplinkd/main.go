package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/dsplink/internal/admin"
	"github.com/danmuck/dsplink/internal/config"
	"github.com/danmuck/dsplink/internal/link"
	"github.com/danmuck/dsplink/internal/logging"
	"github.com/danmuck/dsplink/internal/scb"
	"github.com/danmuck/dsplink/internal/shmem"
)

func main() {
	logging.ConfigureRuntime()

	configPath := flag.String("config", "cmd/dsplinkd/gpp.toml", "side config path")
	simulate := flag.Bool("simulate", false, "run both sides in-process over a heap region")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Errf("dsplinkd config path=%s err=%v", *configPath, err)
		os.Exit(1)
	}
	logging.Infof("dsplinkd loaded path=%s role=%s proc=%d peer=%d", *configPath, cfg.Role, cfg.ProcID, cfg.PeerProcID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *simulate {
		err = runPair(ctx, cfg)
	} else {
		err = runSide(ctx, cfg)
	}
	if err != nil {
		logging.Errf("dsplinkd stopped role=%s err=%v", cfg.Role, err)
		os.Exit(1)
	}
	logging.Infof("dsplinkd stopped role=%s", cfg.Role)
}

func runSide(ctx context.Context, cfg config.Link) error {
	layout, err := cfg.Layout()
	if err != nil {
		return err
	}
	size := cfg.RegionSize
	if size == 0 {
		size = layout.TotalSize
	}
	region, err := shmem.OpenFileRegion(cfg.RegionPath, size, cfg.Role == scb.RoleGPP)
	if err != nil {
		return err
	}
	defer region.Close()

	side, err := link.NewShared(cfg, region)
	if err != nil {
		return err
	}
	serveAdmin(ctx, cfg, side)
	return side.Run(ctx)
}

func runPair(ctx context.Context, cfg config.Link) error {
	if cfg.Role != scb.RoleGPP {
		return errors.New("dsplinkd: -simulate needs a gpp config")
	}
	pair, err := link.NewPair(cfg)
	if err != nil {
		return err
	}
	if err := pair.Boot(ctx); err != nil {
		return err
	}
	serveAdmin(ctx, cfg, pair.GPP)
	<-ctx.Done()
	return pair.Shutdown()
}

func serveAdmin(ctx context.Context, cfg config.Link, side *link.Side) {
	if cfg.AdminAddr == "" {
		return
	}
	srv := admin.New(cfg.Role.String(), cfg.AdminAddr, side, nil)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			logging.Errf("dsplinkd admin addr=%s err=%v", cfg.AdminAddr, err)
		}
	}()
}
