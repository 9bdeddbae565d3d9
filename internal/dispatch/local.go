package dispatch

import (
	"context"
	"sync"

	"github.com/soltixdb/pgbalancer/internal/command"
	"github.com/soltixdb/pgbalancer/internal/logging"
)

// LocalDispatcher runs commands on an in-process Executor, each in its own
// goroutine
type LocalDispatcher struct {
	exec   Executor
	logger *logging.Logger
	wg     sync.WaitGroup
}

// NewLocalDispatcher creates a dispatcher backed by exec
func NewLocalDispatcher(exec Executor, logger *logging.Logger) *LocalDispatcher {
	return &LocalDispatcher{exec: exec, logger: logger.Component("dispatch")}
}

// Send implements Dispatcher. The command runs detached from ctx so a
// caller that stops waiting does not abort it halfway.
func (d *LocalDispatcher) Send(ctx context.Context, cmd command.Command) (*Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := newPending(cmd)
	d.logger.Debug("Send command", "id", p.ID, "cmd", cmd.String())

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		r := d.exec.Execute(context.Background(), cmd)
		if !r.OK() {
			d.logger.Warn("Command failed", "id", p.ID, "cmd", cmd.String(), "code", r.Code, "message", r.Message)
		}
		p.complete(r)
	}()
	return p, nil
}

// Close waits for in-flight commands
func (d *LocalDispatcher) Close() {
	d.wg.Wait()
}
