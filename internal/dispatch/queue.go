package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/soltixdb/pgbalancer/internal/command"
	"github.com/soltixdb/pgbalancer/internal/logging"
	"github.com/soltixdb/pgbalancer/internal/queue"
)

// Request is the wire form of a command sent to an agent
type Request struct {
	ID      string          `json:"id"`
	Command command.Command `json:"command"`
}

// Reply is the wire form of an agent's answer
type Reply struct {
	ID     string `json:"id"`
	Result Result `json:"result"`
}

// QueueDispatcher publishes commands on a queue subject and matches the
// replies an Agent publishes on the reply subject by request id
type QueueDispatcher struct {
	q            queue.Queue
	subject      string
	replySubject string
	logger       *logging.Logger

	mu      sync.Mutex
	pending map[string]*Pending
	closed  bool
}

// NewQueueDispatcher subscribes to replySubject and returns the dispatcher
func NewQueueDispatcher(q queue.Queue, subject, replySubject string, logger *logging.Logger) (*QueueDispatcher, error) {
	d := &QueueDispatcher{
		q:            q,
		subject:      subject,
		replySubject: replySubject,
		logger:       logger.Component("dispatch"),
		pending:      make(map[string]*Pending),
	}
	if err := q.Subscribe(replySubject, d.onReply); err != nil {
		return nil, fmt.Errorf("failed to subscribe to replies: %w", err)
	}
	return d, nil
}

// Send implements Dispatcher
func (d *QueueDispatcher) Send(ctx context.Context, cmd command.Command) (*Pending, error) {
	p := newPending(cmd)
	data, err := json.Marshal(Request{ID: p.ID, Command: cmd})
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, queue.ErrClosed
	}
	d.pending[p.ID] = p
	d.mu.Unlock()

	if err := d.q.Publish(ctx, d.subject, data); err != nil {
		d.forget(p.ID)
		return nil, err
	}
	d.logger.Debug("Published command", "id", p.ID, "cmd", cmd.String())
	return p, nil
}

func (d *QueueDispatcher) onReply(data []byte) error {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		// unparseable replies cannot be matched; do not redeliver them
		d.logger.Warn("Dropping malformed reply", "error", err)
		return nil
	}
	p := d.forget(r.ID)
	if p == nil {
		d.logger.Debug("Reply for unknown command", "id", r.ID)
		return nil
	}
	p.complete(r.Result)
	return nil
}

func (d *QueueDispatcher) forget(id string) *Pending {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.pending[id]
	delete(d.pending, id)
	return p
}

// InFlight returns the number of commands without a reply
func (d *QueueDispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops listening for replies and cancels every pending command
func (d *QueueDispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	pending := d.pending
	d.pending = make(map[string]*Pending)
	d.mu.Unlock()

	for _, p := range pending {
		p.complete(Result{Code: CodeCanceled, Message: "dispatcher closed"})
	}
	return d.q.Unsubscribe(d.replySubject)
}

// Agent consumes commands from a queue subject, runs them on an Executor
// and publishes the result on the reply subject
type Agent struct {
	q            queue.Queue
	subject      string
	replySubject string
	exec         Executor
	timeout      time.Duration
	logger       *logging.Logger
}

// NewAgent creates an agent. timeout bounds each command's execution.
func NewAgent(q queue.Queue, subject, replySubject string, exec Executor, timeout time.Duration, logger *logging.Logger) *Agent {
	return &Agent{
		q:            q,
		subject:      subject,
		replySubject: replySubject,
		exec:         exec,
		timeout:      timeout,
		logger:       logger.Component("agent"),
	}
}

// Start subscribes to the command subject
func (a *Agent) Start() error {
	return a.q.Subscribe(a.subject, a.handle)
}

// Stop unsubscribes from the command subject
func (a *Agent) Stop() error {
	return a.q.Unsubscribe(a.subject)
}

func (a *Agent) handle(data []byte) error {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		a.logger.Warn("Dropping malformed request", "error", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	res := a.exec.Execute(ctx, req.Command)
	a.logger.Info("Executed command", "id", req.ID, "cmd", req.Command.String(), "code", res.Code)

	out, err := json.Marshal(Reply{ID: req.ID, Result: res})
	if err != nil {
		return err
	}
	return a.q.Publish(ctx, a.replySubject, out)
}
