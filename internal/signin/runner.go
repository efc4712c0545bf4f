package signin

import (
	"context"
	"fmt"
	"sync"

	logx "signbot/pkg/logx"
)

// Outcome pairs a site with its run result, in input order.
type Outcome struct {
	Site   Site
	Result Result
}

// Pool is a reusable bounded worker pool for site batches. One pool is
// shared across scheduled runs to avoid per-invocation goroutine churn.
type Pool struct {
	size int
	log  logx.Logger
}

func NewPool(size int, log logx.Logger) *Pool {
	if size <= 0 {
		size = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{size: size, log: log}
}

// RunBatch fans fn out over sites with at most min(len(sites), pool size)
// workers and returns one Outcome per input site, preserving input order.
// A panicking fn is converted to a failure result; one site can never abort
// the batch.
func (p *Pool) RunBatch(ctx context.Context, sites []Site, fn func(ctx context.Context, site Site) Result) []Outcome {
	out := make([]Outcome, len(sites))
	if len(sites) == 0 {
		return out
	}

	workers := p.size
	if len(sites) < workers {
		workers = len(sites)
	}

	idx := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range idx {
				out[i] = Outcome{Site: sites[i], Result: p.call(ctx, sites[i], fn)}
			}
		}()
	}

	for i := range sites {
		select {
		case idx <- i:
		case <-ctx.Done():
			// Mark the remaining sites as not attempted.
			for j := i; j < len(sites); j++ {
				out[j] = Outcome{Site: sites[j], Result: Result{OK: false, Message: "签到失败，任务已取消"}}
			}
			close(idx)
			wg.Wait()
			return out
		}
	}
	close(idx)
	wg.Wait()
	return out
}

// call shields the batch from a panicking worker fn.
func (p *Pool) call(ctx context.Context, site Site, fn func(ctx context.Context, site Site) Result) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("site worker panicked",
				logx.String("site", site.Name), logx.Any("panic", r))
			res = Result{OK: false, Message: fmt.Sprintf("签到失败：%v", r)}
		}
	}()
	return fn(ctx, site)
}
