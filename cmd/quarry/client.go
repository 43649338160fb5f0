package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/urfave/cli/v2"

	"github.com/quarrylab/quarry/internal/client"
	"github.com/quarrylab/quarry/internal/observability"
	"github.com/quarrylab/quarry/internal/protocol"
)

// graphFile is the TOML shape accepted by `quarry client submit`.
type graphFile struct {
	Session string   `toml:"session"`
	Wait    []string `toml:"wait"`

	Objects []struct {
		ID   string `toml:"id"`
		Keep bool   `toml:"keep"`
		Data string `toml:"data"`
	} `toml:"objects"`

	Tasks []struct {
		ID      string            `toml:"id"`
		Op      string            `toml:"op"`
		Program string            `toml:"program"`
		Args    []string          `toml:"args"`
		Env     map[string]string `toml:"env"`
		Inputs  []string          `toml:"inputs"`
		Outputs []string          `toml:"outputs"`
		CPUs    int               `toml:"cpus"`
		Labels  []string          `toml:"labels"`
	} `toml:"tasks"`
}

func (f graphFile) specs() ([]protocol.TaskSpec, []protocol.ObjectSpec) {
	objects := make([]protocol.ObjectSpec, 0, len(f.Objects))
	for _, o := range f.Objects {
		spec := protocol.ObjectSpec{ID: o.ID, Keep: o.Keep}
		if o.Data != "" {
			spec.Data = []byte(o.Data)
		}
		objects = append(objects, spec)
	}
	tasks := make([]protocol.TaskSpec, 0, len(f.Tasks))
	for _, t := range f.Tasks {
		spec := protocol.TaskSpec{
			ID:      t.ID,
			Op:      t.Op,
			Program: t.Program,
			Args:    t.Args,
			Env:     t.Env,
			CPUs:    t.CPUs,
			Labels:  t.Labels,
		}
		if spec.CPUs == 0 {
			spec.CPUs = 1
		}
		for _, in := range t.Inputs {
			spec.Inputs = append(spec.Inputs, protocol.ObjectRef{ID: in})
		}
		for _, out := range t.Outputs {
			spec.Outputs = append(spec.Outputs, protocol.ObjectRef{ID: out})
		}
		tasks = append(tasks, spec)
	}
	return tasks, objects
}

var clientCmd = &cli.Command{
	Name:  "client",
	Usage: "talk to a running server",
	Subcommands: []*cli.Command{
		{
			Name:  "submit",
			Usage: "submit a graph described in a TOML file",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "file",
					Aliases:  []string{"f"},
					Usage:    "graph description file",
					Required: true,
				},
				&cli.StringFlag{
					Name:  "server",
					Usage: "server control address",
					Value: "127.0.0.1:7600",
				},
			},
			Action: submitAction,
		},
	},
}

func submitAction(cctx *cli.Context) error {
	log := observability.InitLogger("quarry-client")

	raw, err := os.ReadFile(cctx.String("file"))
	if err != nil {
		return err
	}
	var file graphFile
	if err := toml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse graph file: %w", err)
	}
	tasks, objects := file.specs()

	ctx, cancel := signalContext()
	defer cancel()

	c, err := client.Connect(ctx, cctx.String("server"), log)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.Submit(ctx, file.Session, tasks, objects)
	if err != nil {
		return err
	}
	log.Info().Str("session", res.Session).Int("tasks", len(res.TaskIDs)).Msg("submitted")

	if len(file.Wait) == 0 {
		fmt.Println(res.Session)
		return nil
	}

	results, err := c.WaitFor(ctx, res.Session, file.Wait)
	if err != nil {
		return err
	}
	failed := false
	for id, n := range results {
		if n.State == protocol.NotifyFailed {
			failed = true
			log.Error().Str("object", id).Str("reason", n.Reason).Msg("object failed")
			continue
		}
		log.Info().Str("object", id).Uint64("size", n.Size).Msg("object finished")
	}
	if failed {
		return cli.Exit("one or more objects failed", 1)
	}
	return nil
}
