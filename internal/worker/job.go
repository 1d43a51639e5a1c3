package worker

import "context"

// Job is one unit of work queued under a fairness key.
type Job struct {
	key  string
	ctx  context.Context
	run  func(context.Context) error
	done chan error
	stop bool
}

func (j Job) finish(err error) {
	if j.done != nil {
		j.done <- err
	}
}
