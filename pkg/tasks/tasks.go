package tasks

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Runner tracks detached background jobs so that shutdown and tests can wait
// for them deterministically instead of racing bare goroutines. A panicking
// job is recovered and logged; its outcome never reaches a foreground caller.
type Runner struct {
	log zerolog.Logger
	wg  sync.WaitGroup
}

func NewRunner(logger zerolog.Logger) *Runner {
	return &Runner{log: logger}
}

// Handle identifies one spawned job.
type Handle struct {
	ID   string
	done chan struct{}
}

// Done returns a channel that is closed when the job finishes.
func (h Handle) Done() <-chan struct{} {
	return h.done
}

// Go runs fn on its own goroutine and returns a handle for it. Go itself
// never blocks.
func (r *Runner) Go(name string, fn func()) Handle {
	handle := Handle{
		ID:   uuid.NewString(),
		done: make(chan struct{}),
	}
	started := time.Now()
	r.wg.Add(1)
	go func() {
		defer close(handle.done)
		defer r.wg.Done()
		defer func() {
			if v := recover(); v != nil {
				r.log.Error().Interface("panic", v).
					Str("job", name).Str("id", handle.ID).
					Msg("Background job panicked")
			}
		}()
		fn()
		r.log.Trace().Str("job", name).Str("id", handle.ID).
			Dur("duration", time.Since(started)).Msg("Background job done")
	}()
	return handle
}

// Wait blocks until every job spawned so far has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}
