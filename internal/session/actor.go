package session

import "sync"

const taskQueueSize = 64

// actor runs tasks one at a time on its own goroutine. Every mutation of a
// session's protocol state happens inside a task.
type actor struct {
	tasks chan func()
	quit  chan struct{}
	once  sync.Once
}

func newActor() *actor {
	a := &actor{
		tasks: make(chan func(), taskQueueSize),
		quit:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *actor) run() {
	for {
		select {
		case <-a.quit:
			return
		case fn := <-a.tasks:
			select {
			case <-a.quit:
				return
			default:
			}
			fn()
		}
	}
}

// post queues fn and reports whether it was accepted. It blocks while the
// queue is full, so it must not be used from inside a task.
func (a *actor) post(fn func()) bool {
	select {
	case <-a.quit:
		return false
	default:
	}

	select {
	case a.tasks <- fn:
		return true
	case <-a.quit:
		return false
	}
}

// postAsync queues fn without blocking the caller, which may be a task.
func (a *actor) postAsync(fn func()) {
	select {
	case <-a.quit:
		return
	case a.tasks <- fn:
	default:
		go a.post(fn)
	}
}

// call runs fn on the actor and waits for it to finish. It reports false if
// the actor stopped before fn ran.
func (a *actor) call(fn func()) bool {
	done := make(chan struct{})
	if !a.post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}

	select {
	case <-done:
		return true
	case <-a.quit:
		return false
	}
}

// stop discards queued tasks and ends the goroutine. It may be called from a task.
func (a *actor) stop() {
	a.once.Do(func() {
		close(a.quit)
	})
}

func (a *actor) stopped() bool {
	select {
	case <-a.quit:
		return true
	default:
		return false
	}
}
