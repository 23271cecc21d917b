package script

import "context"

// Task is a unit of work handed to a Submitter.
type Task struct {
	Name  string
	Lane  string
	Stage Stage
	Run   func(ctx context.Context) (*Result, error)
}

// Handle refers to a submitted task and its eventual result.
type Handle interface {
	ID() string
	Done() <-chan struct{}
	Wait(ctx context.Context) (*Result, error)
}

// Submitter queues tasks for later execution.
type Submitter interface {
	Submit(ctx context.Context, task Task) (Handle, error)
}

type completed struct {
	res  *Result
	err  error
	done chan struct{}
}

// Completed returns a handle that is already sealed with res and err.
func Completed(res *Result, err error) Handle {
	done := make(chan struct{})
	close(done)
	return &completed{res: res, err: err, done: done}
}

func (c *completed) ID() string { return "inline" }

func (c *completed) Done() <-chan struct{} { return c.done }

func (c *completed) Wait(context.Context) (*Result, error) { return c.res, c.err }
