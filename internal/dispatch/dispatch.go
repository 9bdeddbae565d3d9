package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/soltixdb/pgbalancer/internal/command"
)

// Result codes that do not come from the control plane
const (
	CodeOK       = 0
	CodeTimeout  = -110 // ETIMEDOUT
	CodeCanceled = -125 // ECANCELED
	CodeInvalid  = -22  // EINVAL
)

// Result is the control plane's answer to one command
type Result struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// OK reports whether the command succeeded
func (r Result) OK() bool {
	return r.Code == CodeOK
}

// Dispatcher submits administrative commands
type Dispatcher interface {
	// Send submits cmd and returns a handle to its eventual result
	Send(ctx context.Context, cmd command.Command) (*Pending, error)
}

// Executor runs a command against the cluster and reports the outcome
type Executor interface {
	Execute(ctx context.Context, cmd command.Command) Result
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, cmd command.Command) Result

// Execute implements Executor
func (f ExecutorFunc) Execute(ctx context.Context, cmd command.Command) Result {
	return f(ctx, cmd)
}

// CommandError is a command the control plane rejected
type CommandError struct {
	Command command.Command
	Code    int
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed with code %d: %s", e.Command.String(), e.Code, e.Message)
}

// Pending is a command in flight. It completes exactly once.
type Pending struct {
	ID      string
	Command command.Command

	once   sync.Once
	done   chan struct{}
	result Result
}

func newPending(cmd command.Command) *Pending {
	return &Pending{ID: uuid.NewString(), Command: cmd, done: make(chan struct{})}
}

// complete records the result; later calls are ignored
func (p *Pending) complete(r Result) {
	p.once.Do(func() {
		p.result = r
		close(p.done)
	})
}

// Done is closed once the result is known
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the result is known or ctx is done. A done context
// yields CodeTimeout without cancelling the command itself.
func (p *Pending) Wait(ctx context.Context) Result {
	select {
	case <-p.done:
		return p.result
	case <-ctx.Done():
		return Result{Code: CodeTimeout, Message: ctx.Err().Error()}
	}
}

// Err converts a failed result into a *CommandError
func (p *Pending) Err(r Result) error {
	if r.OK() {
		return nil
	}
	return &CommandError{Command: p.Command, Code: r.Code, Message: r.Message}
}
