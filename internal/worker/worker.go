// Package worker runs ingestion work on a bounded pool of goroutines with
// panic recovery, so one corrupt file or chunker bug fails the file being
// ingested rather than taking down the whole commit.
package worker

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// Func is one unit of ingestion work: ingest a single file or snapshot
// stream. Errors are returned, not logged, so the caller can decide
// per-file failure policy: collected and reported per file, not per
// chunk.
type Func func() error

// Pool runs Funcs across a fixed number of goroutines, recovering panics
// into errors instead of crashing the process.
type Pool struct {
	logger *logrus.Logger
	sem    chan struct{}
}

// New builds a Pool with n concurrent workers. n <= 0 means unbounded
// concurrency (no semaphore).
func New(n int, logger *logrus.Logger) *Pool {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &Pool{logger: logger}
	if n > 0 {
		p.sem = make(chan struct{}, n)
	}
	return p
}

// Run executes fns concurrently (bounded by the pool's worker count) and
// returns one error per fn, in the same order, nil where fn succeeded.
func (p *Pool) Run(fns []Func) []error {
	errs := make([]error, len(fns))
	var wg sync.WaitGroup
	wg.Add(len(fns))
	for i, fn := range fns {
		i, fn := i, fn
		go func() {
			defer wg.Done()
			if p.sem != nil {
				p.sem <- struct{}{}
				defer func() { <-p.sem }()
			}
			errs[i] = p.runOne(fn)
		}()
	}
	wg.Wait()
	return errs
}

// runOne recovers a panicking fn into an error, logging the stack trace
// the way request-handler panic recovery does, but for a worker goroutine
// instead of a request.
func (p *Pool) runOne(fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("ingestion worker panic recovered")
			err = fmt.Errorf("worker: recovered panic: %v", r)
		}
	}()
	return fn()
}
