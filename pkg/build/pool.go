package build

import (
	"sync"

	"github.com/oisee/rtlsim/pkg/jit"
	"github.com/oisee/rtlsim/pkg/sir"
)

// domainPool runs one closure per domainTask across a bounded number
// of goroutines: a channel of tasks drained by a fixed worker count,
// joined by a sync.WaitGroup. There is no shared result accumulator or
// progress ticker — each task mutates only its own *domainTask, so no
// synchronization is needed beyond the WaitGroup.
type domainPool struct {
	numWorkers int
}

func newDomainPool(numWorkers int) *domainPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &domainPool{numWorkers: numWorkers}
}

// run dispatches fn(task) for every task in tasks across p.numWorkers
// goroutines and blocks until all have finished.
func (p *domainPool) run(tasks []*domainTask, fn func(*domainTask)) {
	if len(tasks) == 0 {
		return
	}
	workers := p.numWorkers
	if workers > len(tasks) {
		workers = len(tasks)
	}

	ch := make(chan *domainTask, len(tasks))
	for _, t := range tasks {
		ch <- t
	}
	close(ch)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for t := range ch {
				fn(t)
			}
		}()
	}
	wg.Wait()
}

// compileFn is the single choke point every lowered function passes
// through on its way into a runnable jit.Function, keeping the
// trace and four-state option wiring (§4.7) in one place.
func compileFn(fn *sir.Function, opts Options) *jit.Function {
	return jit.Compile(fn, jit.Config{Trace: opts.Trace, FourState: opts.FourState})
}
