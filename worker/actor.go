package worker

import (
	"sync"

	"github.com/hupe1980/tilemap/internal/queue"
)

const mailboxCapacity = 64

type task struct {
	run func()
}

// actor is one worker execution context: a goroutine draining a priority
// mailbox. Time-critical tasks jump ahead of queued background work.
type actor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	mailbox *queue.Heap[task]
	stopped bool
	done    chan struct{}
}

func newActor() *actor {
	a := &actor{
		mailbox: queue.NewHeap[task](mailboxCapacity),
		done:    make(chan struct{}),
	}
	a.cond = sync.NewCond(&a.mu)
	go a.loop()
	return a
}

// submit enqueues a task. It reports false once the actor is stopped.
func (a *actor) submit(priority float64, run func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}
	a.mailbox.Push(task{run: run}, priority)
	a.cond.Signal()
	return true
}

func (a *actor) loop() {
	defer close(a.done)
	for {
		a.mu.Lock()
		for a.mailbox.Len() == 0 && !a.stopped {
			a.cond.Wait()
		}
		if a.stopped {
			// Pending tasks are dropped; cancellation is not an error.
			a.mailbox.Reset()
			a.mu.Unlock()
			return
		}
		t, _ := a.mailbox.Pop()
		a.mu.Unlock()

		t.run()
	}
}

// stop shuts the actor down and waits for the in-progress task to finish.
func (a *actor) stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.stopped = true
	a.cond.Broadcast()
	a.mu.Unlock()
	<-a.done
}

func (a *actor) pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mailbox.Len()
}
