package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soltixdb/pgbalancer/internal/command"
	"github.com/soltixdb/pgbalancer/internal/logging"
)

// ExecutePhases runs phases in order. The commands of one phase are sent
// concurrently and all of them are awaited before the next phase starts.
// A phase with failed commands stops execution; every failure of that
// phase is returned as a *CommandError joined in command order. timeout
// bounds the wait for each command.
func ExecutePhases(ctx context.Context, d Dispatcher, phases [][]command.Command, timeout time.Duration, logger *logging.Logger) error {
	for i, phase := range phases {
		if err := ctx.Err(); err != nil {
			return err
		}
		logger.Debug("Executing phase", "phase", i, "commands", len(phase))

		errs := make([]error, len(phase))
		var g errgroup.Group
		for j, cmd := range phase {
			g.Go(func() error {
				errs[j] = sendAndWait(ctx, d, cmd, timeout)
				return errs[j]
			})
		}
		if g.Wait() != nil {
			err := errors.Join(errs...)
			logger.Error("Execution aborted", "phase", i, "error", err)
			return fmt.Errorf("phase %d: %w", i, err)
		}
	}
	return nil
}

func sendAndWait(ctx context.Context, d Dispatcher, cmd command.Command, timeout time.Duration) error {
	p, err := d.Send(ctx, cmd)
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd.String(), err)
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Err(p.Wait(wctx))
}
