package main

import (
	"github.com/urfave/cli/v2"

	"github.com/quarrylab/quarry/internal/config"
	"github.com/quarrylab/quarry/internal/governor"
	"github.com/quarrylab/quarry/internal/objectstore"
	"github.com/quarrylab/quarry/internal/observability"
)

var governorCmd = &cli.Command{
	Name:  "governor",
	Usage: "run one worker governor",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to a TOML config file",
		},
		&cli.StringFlag{
			Name:  "server",
			Usage: "server control address (overrides config)",
		},
		&cli.IntFlag{
			Name:  "slots",
			Usage: "concurrent task slots (overrides config)",
		},
		&cli.StringFlag{
			Name:  "data-listen",
			Usage: "data-plane listen address (overrides config)",
		},
		&cli.StringFlag{
			Name:  "store",
			Usage: "object store directory (overrides config)",
		},
	},
	Action: func(cctx *cli.Context) error {
		log := observability.InitLogger("quarry-governor")

		cfg, err := config.LoadGovernorConfig(cctx.String("config"))
		if err != nil {
			return err
		}
		if addr := cctx.String("server"); addr != "" {
			cfg.ServerAddr = addr
		}
		if slots := cctx.Int("slots"); slots > 0 {
			cfg.Slots = slots
		}
		if addr := cctx.String("data-listen"); addr != "" {
			cfg.DataListenAddr = addr
		}
		if dir := cctx.String("store"); dir != "" {
			cfg.StoreDir = dir
		}

		store, err := objectstore.Open(cfg.StoreDir, log)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := signalContext()
		defer cancel()
		return governor.New(cfg, store, log).Run(ctx)
	},
}
