package systems

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/lumen/engine/core"
)

/**
 * @brief A unit of work for the job system. Run is required, the callbacks
 * are invoked on the worker after Run returns.
 */
type Job struct {
	Name       string
	Run        func() error
	OnComplete func()
	OnFailure  func(error)
}

type JobSystem struct {
	numWorkers int
	jobQueue   chan Job
	wg         sync.WaitGroup
	once       sync.Once
}

var ErrNoWorkers = fmt.Errorf("attempting to create worker pool with less than 1 worker")
var ErrNegativeChannelSize = fmt.Errorf("attempting to create worker pool with a negative channel size")

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
				if err := job.Run(); err != nil {
					core.LogError("job '%s' failed: %s", job.Name, err)
					if job.OnFailure != nil {
						job.OnFailure(err)
					}
					continue
				}
				if job.OnComplete != nil {
					job.OnComplete()
				}
			}
		}()
	}
}

/**
 * @brief Shuts the job system down after the queued jobs ran. Safe to call twice.
 */
func (js *JobSystem) Shutdown() error {
	js.once.Do(func() {
		close(js.jobQueue)
	})
	js.wg.Wait()
	return nil
}

/**
 * @brief Submits the provided job to be queued for execution.
 * Blocks while the queue is full.
 */
func (js *JobSystem) Submit(job Job) {
	js.jobQueue <- job
}

// RunAll submits jobs and waits for every one of them. The errors of failed jobs are joined.
func (js *JobSystem) RunAll(jobs []Job) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	wg.Add(len(jobs))
	for _, job := range jobs {
		onComplete, onFailure := job.OnComplete, job.OnFailure
		job.OnComplete = func() {
			defer wg.Done()
			if onComplete != nil {
				onComplete()
			}
		}
		job.OnFailure = func(err error) {
			defer wg.Done()
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			if onFailure != nil {
				onFailure(err)
			}
		}
		js.Submit(job)
	}
	wg.Wait()
	return errors.Join(errs...)
}
