package worker

import "fmt"

type worker struct {
	id   int
	pool *jobChannelPool
	jobs chan Job
}

func newWorker(id int, pool *jobChannelPool) *worker {
	return &worker{
		id:   id,
		pool: pool,
		jobs: make(chan Job),
	}
}

func (w *worker) start() {
	go func() {
		for job := range w.jobs {
			if job.stop {
				w.pool.retire(w.jobs)
				return
			}
			w.execute(job)
			if !w.pool.release(w.jobs) {
				return
			}
		}
	}()
}

func (w *worker) execute(job Job) {
	if err := job.ctx.Err(); err != nil {
		// caller gave up while the job was queued
		job.finish(err)
		return
	}
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker-%d: job panicked: %v", w.id, r)
		}
		job.finish(err)
	}()
	err = job.run(job.ctx)
}
