package arbiter

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-arbiter/arbiter"
	"github.com/Meander-Cloud/go-schedule/scheduler"

	"github.com/Meander-Cloud/go-framelock/config"
	"github.com/Meander-Cloud/go-framelock/group"
)

var ErrShutdown = errors.New("arbiter shut down")

// Arbiter owns the single goroutine on which user callbacks and reconnect
// timers run, so none of them ever runs under a component lock. Dispatch
// never drops: the queue in front of the goroutine grows as needed.
type Arbiter struct {
	c         *config.Config
	logPrefix string
	a         *arbiter.Arbiter[group.Group]

	// held shared while pushing, exclusively while flipping inShutdown
	mutex      sync.RWMutex
	inShutdown bool
}

func NewArbiter(c *config.Config) *Arbiter {
	logPrefix := fmt.Sprintf("%s-arbiter", c.LogPrefix)

	return &Arbiter{
		c:         c,
		logPrefix: logPrefix,
		a: arbiter.New(
			&arbiter.Options[group.Group]{
				LogPrefix: logPrefix,
				LogDebug:  c.LogDebug,
				LogEvent:  c.LogDebug,
			},
		),
		inShutdown: false,
	}
}

func (a *Arbiter) Shutdown() {
	already := func() bool {
		a.mutex.Lock()
		defer a.mutex.Unlock()

		if a.inShutdown {
			return true
		}
		a.inShutdown = true
		return false
	}()
	if already {
		return
	}

	// not under mutex, callbacks still running may Dispatch
	a.a.Shutdown() // wait
}

func (a *Arbiter) Scheduler() *scheduler.Scheduler[group.Group] {
	return a.a.Scheduler()
}

// any goroutine
func (a *Arbiter) Dispatch(f func()) error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.inShutdown {
		return ErrShutdown
	}

	a.a.Dispatch(f)
	return nil
}

// StartTimer runs f on the arbiter goroutine once wait elapsed, unless g is
// released first.
// invoked on arbiter goroutine
func (a *Arbiter) StartTimer(g group.Group, wait time.Duration, f func()) {
	a.a.Scheduler().ProcessSync(
		&scheduler.ScheduleAsyncEvent[group.Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]group.Group{g},
				wait,
				f,
				nil,
			),
		},
	)

	if a.c.LogDebug {
		log.Printf("%s: scheduled %s in %v", a.logPrefix, g, wait)
	}
}

// ReleaseGroup cancels every pending timer tagged with g.
// invoked on arbiter goroutine
func (a *Arbiter) ReleaseGroup(g group.Group) {
	a.a.Scheduler().ProcessSync(
		&scheduler.ReleaseGroupEvent[group.Group]{
			Group: g,
		},
	)

	if a.c.LogDebug {
		log.Printf("%s: released: %s", a.logPrefix, g)
	}
}
