// Package app assembles the six long-running activities of spec.md §5 —
// Window, Router, Evaluator (intake+resolve on one worker), MarketEnv, and
// the ambient HTTP surface — into one supervised process whose lifecycle is
// init -> loop -> stop on signal (spec.md §9 "Event-loop/async -> task
// workers"). Grounded on the teacher's internal/app (app.go/run.go), kept as
// the same init/Start/Shutdown shape and repointed at this system's workers
// instead of a single aggregator service.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"gitlab.com/nevasik7/alerting/logger"
)

// HTTPServer is the ambient observability/debug surface's lifecycle.
type HTTPServer interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// runner is any of the Window/Router/Evaluator/MarketEnv workers: a single
// blocking Run(ctx) that returns when ctx is cancelled.
type runner interface {
	Run(ctx context.Context) error
}

// cycler is the MarketEnv Updater's Run signature, which has no error
// return because its per-symbol cycle errors are already logged and
// isolated per spec.md §7 ("other workers may continue").
type cycler interface {
	Run(ctx context.Context)
}

type App struct {
	log     logger.Logger
	httpSrv HTTPServer
	runners []runner
	cyclers []cycler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(log logger.Logger, httpSrv HTTPServer, runners []runner, cyclers []cycler) *App {
	return &App{log: log, httpSrv: httpSrv, runners: runners, cyclers: cyclers}
}

// Start launches every worker and the HTTP server as supervised goroutines
// and returns immediately; each failure is logged, never fatal to its
// siblings (spec.md §7 "Fatal startup errors... other workers may continue").
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	for _, r := range a.runners {
		a.wg.Add(1)
		go func(r runner) {
			defer a.wg.Done()
			if err := r.Run(ctx); err != nil {
				a.log.Errorf("app: worker stopped: %v", err)
			}
		}(r)
	}
	for _, c := range a.cyclers {
		a.wg.Add(1)
		go func(c cycler) {
			defer a.wg.Done()
			c.Run(ctx)
		}(c)
	}

	go func() {
		if err := a.httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Errorf("app: http server stopped: %v", err)
		}
	}()

	a.log.Info("app: started")
	return nil
}

// Shutdown cancels every worker's context, waits for them to drain their
// current batch, and gracefully closes the HTTP server (spec.md §5
// "workers must remain responsive to a shutdown signal between iterations").
func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info("app: shutdown begin")

	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warnf("app: shutdown timed out waiting for workers")
	}

	err := a.httpSrv.Shutdown(ctx)
	a.log.Info("app: shutdown complete")
	return err
}
