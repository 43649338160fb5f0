package main

import (
	"github.com/urfave/cli/v2"

	"github.com/quarrylab/quarry/internal/config"
	"github.com/quarrylab/quarry/internal/journal"
	"github.com/quarrylab/quarry/internal/observability"
	"github.com/quarrylab/quarry/internal/server"
)

var serverCmd = &cli.Command{
	Name:  "server",
	Usage: "run the coordinating server",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to a TOML config file",
		},
		&cli.StringFlag{
			Name:  "listen",
			Usage: "control listen address (overrides config)",
		},
		&cli.StringFlag{
			Name:  "journal",
			Usage: "journal directory (overrides config)",
		},
	},
	Action: func(cctx *cli.Context) error {
		log := observability.InitLogger("quarry-server")

		cfg, err := config.LoadServerConfig(cctx.String("config"))
		if err != nil {
			return err
		}
		if addr := cctx.String("listen"); addr != "" {
			cfg.ListenAddr = addr
		}
		if dir := cctx.String("journal"); dir != "" {
			cfg.JournalDir = dir
		}

		jrnl, err := journal.Open(cfg.JournalDir, log)
		if err != nil {
			return err
		}
		defer jrnl.Close()

		srv := server.New(cfg, jrnl, log)
		if err := srv.Restore(); err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()
		return srv.Run(ctx)
	},
}
