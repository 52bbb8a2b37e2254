package swmcore

import (
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// taskPool dispatches func() tasks across a FILO pool of worker
// goroutines, one long-lived channel per worker, idle workers reaped
// after maxIdle. This is the same scheme the teacher uses to hand
// net.Conn off to worker goroutines, generalized from "serve this
// connection" to "run this task" so Server can bound how many handler
// invocations run concurrently.
type taskPool struct {
	maxWorkers int
	maxIdle    time.Duration
	log        zerolog.Logger

	lock         sync.Mutex
	ready        []*taskChan
	workersCount int
	mustStop     bool

	stopCh   chan struct{}
	chanPool sync.Pool
}

type taskChan struct {
	lastUse time.Time
	ch      chan func()
}

func newTaskPool(maxWorkers int, maxIdle time.Duration, log zerolog.Logger) *taskPool {
	if maxIdle <= 0 {
		maxIdle = 10 * time.Second
	}
	return &taskPool{maxWorkers: maxWorkers, maxIdle: maxIdle, log: log}
}

func (p *taskPool) Start() {
	if p.stopCh != nil {
		return
	}
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.chanPool.New = func() any {
		return &taskChan{ch: make(chan func(), taskChanCap)}
	}
	go func() {
		var scratch []*taskChan
		for {
			p.clean(&scratch)
			select {
			case <-stopCh:
				return
			default:
				time.Sleep(p.maxIdle)
			}
		}
	}()
}

func (p *taskPool) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	p.stopCh = nil

	p.lock.Lock()
	ready := p.ready
	for i := range ready {
		ready[i].ch <- nil
		ready[i] = nil
	}
	p.ready = ready[:0]
	p.mustStop = true
	p.lock.Unlock()
}

func (p *taskPool) clean(scratch *[]*taskChan) {
	critical := time.Now().Add(-p.maxIdle)

	p.lock.Lock()
	ready := p.ready
	n := len(ready)

	l, r := 0, n-1
	for l <= r {
		mid := (l + r) / 2
		if critical.After(ready[mid].lastUse) {
			l = mid + 1
		} else {
			r = mid - 1
		}
	}
	i := r
	if i == -1 {
		p.lock.Unlock()
		return
	}

	*scratch = append((*scratch)[:0], ready[:i+1]...)
	m := copy(ready, ready[i+1:])
	for j := m; j < n; j++ {
		ready[j] = nil
	}
	p.ready = ready[:m]
	p.lock.Unlock()

	tmp := *scratch
	for i := range tmp {
		tmp[i].ch <- nil
		tmp[i] = nil
	}
}

var taskChanCap = func() int {
	if runtime.GOMAXPROCS(0) == 1 {
		return 0
	}
	return 1
}()

// Serve hands task to an idle worker, or spins up a new one up to
// maxWorkers. It returns false if the pool is saturated.
func (p *taskPool) Serve(task func()) bool {
	ch := p.getCh()
	if ch == nil {
		return false
	}
	ch.ch <- task
	return true
}

func (p *taskPool) getCh() *taskChan {
	var ch *taskChan
	create := false

	p.lock.Lock()
	ready := p.ready
	n := len(ready) - 1
	if n < 0 {
		if p.workersCount < p.maxWorkers {
			create = true
			p.workersCount++
		}
	} else {
		ch = ready[n]
		ready[n] = nil
		p.ready = ready[:n]
	}
	p.lock.Unlock()

	if ch == nil {
		if !create {
			return nil
		}
		v := p.chanPool.Get()
		ch = v.(*taskChan)
		go func() {
			p.worker(ch)
			p.chanPool.Put(v)
		}()
	}
	return ch
}

func (p *taskPool) release(ch *taskChan) bool {
	ch.lastUse = time.Now()
	p.lock.Lock()
	if p.mustStop {
		p.lock.Unlock()
		return false
	}
	p.ready = append(p.ready, ch)
	p.lock.Unlock()
	return true
}

func (p *taskPool) worker(ch *taskChan) {
	for task := range ch.ch {
		if task == nil {
			break
		}
		p.runTask(task)
		if !p.release(ch) {
			break
		}
	}
	p.lock.Lock()
	p.workersCount--
	p.lock.Unlock()
}

func (p *taskPool) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("task panic")
		}
	}()
	task()
}
