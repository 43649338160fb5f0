package governor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quarrylab/quarry/internal/executor"
	"github.com/quarrylab/quarry/internal/objectstore"
	"github.com/quarrylab/quarry/internal/protocol"
)

var ErrMissingOutput = errors.New("governor: program produced no output file")

// execFailure is a program failure carrying the exit status for the
// failure report.
type execFailure struct {
	code   int
	reason string
}

func (e *execFailure) Error() string { return e.reason }

// runTask stages inputs, executes the op, commits outputs, and reports
// the outcome. Staging runs unslotted; execution waits on the slot
// pool, so a burst of assignments queues instead of over-committing.
func (g *Governor) runTask(ctx context.Context, assign *protocol.AssignTask) {
	key := composite(assign.Session, assign.Task.ID)
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.mu.Lock()
	g.running[key] = cancel
	g.busy += assign.Task.CPUs
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.running, key)
		g.busy -= assign.Task.CPUs
		g.mu.Unlock()
	}()

	log := g.log.With().Str("session", assign.Session).Str("task", assign.Task.ID).Logger()
	log.Info().Str("op", assign.Task.Op).Msg("task started")

	if err := g.stageInputs(taskCtx, assign); err != nil {
		// Missing inputs are an environment problem, not a property of
		// the task; report transient so the retry is free.
		log.Warn().Err(err).Msg("input staging failed")
		g.report(ctx, protocol.TaskFailed{
			GovernorID: g.id,
			Session:    assign.Session,
			TaskID:     assign.Task.ID,
			Reason:     fmt.Sprintf("input staging: %v", err),
			Transient:  true,
		})
		return
	}

	weight := int64(assign.Task.CPUs)
	if weight < 1 {
		weight = 1
	}
	if max := int64(g.cfg.Slots); weight > max {
		weight = max
	}
	if err := g.slots.Acquire(taskCtx, weight); err != nil {
		if ctx.Err() != nil {
			return
		}
		g.report(ctx, protocol.TaskFailed{
			GovernorID: g.id,
			Session:    assign.Session,
			TaskID:     assign.Task.ID,
			Reason:     "killed on server request",
		})
		return
	}
	outputs, runErr := g.execute(taskCtx, assign)
	g.slots.Release(weight)
	if taskCtx.Err() != nil && ctx.Err() == nil {
		log.Info().Msg("task killed")
		g.report(ctx, protocol.TaskFailed{
			GovernorID: g.id,
			Session:    assign.Session,
			TaskID:     assign.Task.ID,
			Reason:     "killed on server request",
		})
		return
	}
	if runErr != nil {
		log.Warn().Err(runErr).Msg("task failed")
		failed := protocol.TaskFailed{
			GovernorID: g.id,
			Session:    assign.Session,
			TaskID:     assign.Task.ID,
			Reason:     runErr.Error(),
		}
		var ef *execFailure
		if errors.As(runErr, &ef) {
			failed.ExitCode = ef.code
		}
		g.report(ctx, failed)
		return
	}

	reports := make([]protocol.OutputReport, 0, len(outputs))
	for _, out := range outputs {
		g.report(ctx, protocol.ObjectFinished{
			GovernorID: g.id,
			Session:    assign.Session,
			ObjectID:   out.ID,
			Size:       out.Size,
		})
		reports = append(reports, out)
	}
	g.report(ctx, protocol.TaskFinished{
		GovernorID: g.id,
		Session:    assign.Session,
		TaskID:     assign.Task.ID,
		Outputs:    reports,
	})
	log.Info().Int("outputs", len(reports)).Msg("task finished")
}

// stageInputs makes every input resident locally: literals are written
// from the inline bytes, the rest fetched from peers. Stale location
// hints fall back to a fresh server query.
func (g *Governor) stageInputs(ctx context.Context, assign *protocol.AssignTask) error {
	hints := make(map[string]protocol.InputHint, len(assign.Hints))
	for _, h := range assign.Hints {
		hints[h.ObjectID] = h
	}

	for _, in := range assign.Task.Inputs {
		key := composite(assign.Session, in.ID)
		if g.store.Contains(key) {
			continue
		}
		hint := hints[in.ID]
		if hint.Literal {
			if err := g.store.Put(key, hint.Data); err != nil && !errors.Is(err, objectstore.ErrDuplicate) {
				return err
			}
			continue
		}
		if err := g.fetch.Ensure(ctx, key, hint.DataAddrs); err == nil {
			continue
		}

		env, callErr := g.call(ctx, protocol.LocationQuery{Session: assign.Session, ObjectID: in.ID})
		if callErr != nil {
			return fmt.Errorf("locate %s: %w", in.ID, callErr)
		}
		reply, ok := env.Msg.(*protocol.LocationReply)
		if !ok {
			return fmt.Errorf("locate %s: unexpected reply %T", in.ID, env.Msg)
		}
		if err := g.fetch.Ensure(ctx, key, reply.DataAddrs); err != nil {
			return fmt.Errorf("fetch %s: %w", in.ID, err)
		}
	}
	return nil
}

func (g *Governor) execute(ctx context.Context, assign *protocol.AssignTask) ([]protocol.OutputReport, error) {
	switch assign.Task.Op {
	case protocol.OpConcat:
		return g.runConcat(assign)
	case protocol.OpSleep:
		return g.runSleep(ctx, assign)
	case protocol.OpExecute:
		return g.runExecute(ctx, assign)
	default:
		return nil, fmt.Errorf("governor: unknown op %q", assign.Task.Op)
	}
}

// runConcat streams every input, in declared order, into the single
// declared output.
func (g *Governor) runConcat(assign *protocol.AssignTask) ([]protocol.OutputReport, error) {
	outID := assign.Task.Outputs[0].ID
	outKey := composite(assign.Session, outID)

	b, err := g.store.NewBuilder(outKey, 0)
	if err != nil {
		return nil, err
	}
	for _, in := range assign.Task.Inputs {
		hold, err := g.store.Acquire(composite(assign.Session, in.ID))
		if err != nil {
			b.Abort()
			return nil, err
		}
		_, err = io.Copy(b, hold)
		hold.Close()
		if err != nil {
			b.Abort()
			return nil, err
		}
	}
	if err := b.Commit(); err != nil {
		return nil, err
	}
	size, _ := g.store.Size(outKey)
	return []protocol.OutputReport{{ID: outID, Size: size}}, nil
}

// runSleep waits for the duration in Args[0], then behaves like concat.
// It exists for scheduling and liveness exercises.
func (g *Governor) runSleep(ctx context.Context, assign *protocol.AssignTask) ([]protocol.OutputReport, error) {
	d := time.Second
	if len(assign.Task.Args) > 0 {
		parsed, err := time.ParseDuration(assign.Task.Args[0])
		if err != nil {
			return nil, fmt.Errorf("governor: bad sleep duration %q: %v", assign.Task.Args[0], err)
		}
		d = parsed
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d):
	}
	return g.runConcat(assign)
}

// runExecute materializes inputs as files, runs the program in a fresh
// work directory, and ingests the declared output files. The program
// finds its inputs in $QUARRY_IN and must write each declared output
// into $QUARRY_OUT under the output's id.
func (g *Governor) runExecute(ctx context.Context, assign *protocol.AssignTask) ([]protocol.OutputReport, error) {
	workDir, err := os.MkdirTemp(g.cfg.WorkDir, "task-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	inDir := filepath.Join(workDir, "in")
	outDir := filepath.Join(workDir, "out")
	for _, dir := range []string{inDir, outDir} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			return nil, err
		}
	}

	for _, in := range assign.Task.Inputs {
		if err := g.materialize(composite(assign.Session, in.ID), filepath.Join(inDir, fileName(in.ID))); err != nil {
			return nil, err
		}
	}

	env := make(map[string]string, len(assign.Task.Env)+2)
	for k, v := range assign.Task.Env {
		env[k] = v
	}
	env["QUARRY_IN"] = inDir
	env["QUARRY_OUT"] = outDir

	res, err := executor.Run(ctx, executor.Spec{
		Program: assign.Task.Program,
		Args:    assign.Task.Args,
		Env:     env,
		WorkDir: workDir,
	})
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		return nil, &execFailure{code: res.ExitCode, reason: res.Reason()}
	}

	reports := make([]protocol.OutputReport, 0, len(assign.Task.Outputs))
	for _, out := range assign.Task.Outputs {
		path := filepath.Join(outDir, fileName(out.ID))
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingOutput, out.ID)
		}
		outKey := composite(assign.Session, out.ID)
		if err := g.store.PutFile(outKey, path); err != nil {
			return nil, err
		}
		size, _ := g.store.Size(outKey)
		reports = append(reports, protocol.OutputReport{ID: out.ID, Size: size})
	}
	return reports, nil
}

func (g *Governor) materialize(key, path string) error {
	hold, err := g.store.Acquire(key)
	if err != nil {
		return err
	}
	defer hold.Close()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, hold); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// fileName flattens an object id into a safe path component.
func fileName(id string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(id)
}
