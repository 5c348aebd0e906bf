package core

import (
	"fmt"
	"sync"
)

// Job is CPU work run off the frame loop. OnComplete and OnFailure run on the worker.
type Job struct {
	Name       string
	Run        func() (interface{}, error)
	OnComplete func(result interface{})
	OnFailure  func(err error)
}

type JobSystem struct {
	numWorkers int
	jobQueue   chan Job
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var ErrNoWorkers = fmt.Errorf("attempting to create worker pool with less than 1 worker: %w", ErrInvalidArgument)
var ErrNegativeChannelSize = fmt.Errorf("attempting to create worker pool with a negative channel size: %w", ErrInvalidArgument)

func NewJobSystem(numWorkers int, channelSize int) (*JobSystem, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if channelSize < 0 {
		return nil, ErrNegativeChannelSize
	}

	js := &JobSystem{
		numWorkers: numWorkers,
		jobQueue:   make(chan Job, channelSize),
	}
	js.start()
	return js, nil
}

func (js *JobSystem) start() {
	for i := 0; i < js.numWorkers; i++ {
		js.wg.Add(1)
		go func() {
			defer js.wg.Done()
			for job := range js.jobQueue {
				result, err := job.Run()
				if err != nil {
					LogError("job `%s` failed: %s", job.Name, err)
					if job.OnFailure != nil {
						job.OnFailure(err)
					}
					continue
				}
				if job.OnComplete != nil {
					job.OnComplete(result)
				}
			}
		}()
	}
}

/**
 * @brief Queues job for execution. Blocks while the queue is full and fails once the
 * job system was shut down.
 */
func (js *JobSystem) Submit(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job `%s` has nothing to run: %w", job.Name, ErrInvalidArgument)
	}
	js.mu.RLock()
	defer js.mu.RUnlock()
	if js.closed {
		return fmt.Errorf("job system shut down: %w", ErrInvalidArgument)
	}
	js.jobQueue <- job
	return nil
}

// Shutdown runs the queued jobs to completion, then stops the workers.
func (js *JobSystem) Shutdown() {
	js.mu.Lock()
	if js.closed {
		js.mu.Unlock()
		return
	}
	js.closed = true
	close(js.jobQueue)
	js.mu.Unlock()
	js.wg.Wait()
}
