package timer

import (
	"sync"
	"time"

	"github.com/pingcap/errors"
)

const minTickInterval = 10 * time.Millisecond

var (
	ErrInvalidTickInterval = errors.New("invalid time wheel tick interval")
	ErrInvalidBucketNum    = errors.New("invalid time wheel bucket num")
	ErrNilCallback         = errors.New("nil time wheel callback")
	ErrWheelStopped        = errors.New("time wheel is stopped")
)

type twTask struct {
	key      interface{}
	circle   int
	callback func()
}

// TimeWheel is a coarse-grained timer: tasks land in one of bucketNum
// buckets and fire as the cursor sweeps past them. Re-adding a key resets
// its delay; Remove cancels it. Callbacks run on their own goroutine.
type TimeWheel struct {
	tick      time.Duration
	bucketNum int

	buckets  []map[interface{}]*twTask
	keyToPos map[interface{}]int

	currentPos int
	ticker     *time.Ticker

	mu      sync.Mutex
	stopCh  chan struct{}
	started bool
	stopped bool
}

func NewTimeWheel(tick time.Duration, bucketNum int) (*TimeWheel, error) {
	if tick < minTickInterval {
		return nil, ErrInvalidTickInterval
	}
	if bucketNum <= 0 {
		return nil, ErrInvalidBucketNum
	}
	tw := &TimeWheel{
		tick:      tick,
		bucketNum: bucketNum,
		buckets:   make([]map[interface{}]*twTask, bucketNum),
		keyToPos:  make(map[interface{}]int),
		stopCh:    make(chan struct{}),
	}
	for i := range tw.buckets {
		tw.buckets[i] = make(map[interface{}]*twTask)
	}
	return tw, nil
}

func (tw *TimeWheel) Start() {
	tw.mu.Lock()
	if tw.started || tw.stopped {
		tw.mu.Unlock()
		return
	}
	tw.started = true
	tw.ticker = time.NewTicker(tw.tick)
	tw.mu.Unlock()
	go tw.run()
}

func (tw *TimeWheel) Stop() {
	tw.mu.Lock()
	if tw.stopped {
		tw.mu.Unlock()
		return
	}
	tw.stopped = true
	started := tw.started
	tw.mu.Unlock()
	if started {
		close(tw.stopCh)
	}
}

func (tw *TimeWheel) run() {
	for {
		select {
		case <-tw.stopCh:
			tw.ticker.Stop()
			return
		case <-tw.ticker.C:
			tw.onTick()
		}
	}
}

func (tw *TimeWheel) onTick() {
	tw.mu.Lock()
	tw.currentPos = (tw.currentPos + 1) % tw.bucketNum
	bucket := tw.buckets[tw.currentPos]
	var due []*twTask
	for key, task := range bucket {
		if task.circle > 0 {
			task.circle--
			continue
		}
		due = append(due, task)
		delete(bucket, key)
		delete(tw.keyToPos, key)
	}
	tw.mu.Unlock()
	for _, task := range due {
		go task.callback()
	}
}

// Add schedules callback after at least delay. An existing task under the
// same key is rescheduled.
func (tw *TimeWheel) Add(delay time.Duration, key interface{}, callback func()) error {
	if callback == nil {
		return ErrNilCallback
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.stopped {
		return ErrWheelStopped
	}
	if pos, ok := tw.keyToPos[key]; ok {
		delete(tw.buckets[pos], key)
		delete(tw.keyToPos, key)
	}
	// Round up, plus one tick for the part of the current tick already gone.
	ticks := int((delay+tw.tick-1)/tw.tick) + 1
	if ticks < 1 {
		ticks = 1
	}
	pos := (tw.currentPos + ticks) % tw.bucketNum
	tw.buckets[pos][key] = &twTask{
		key:      key,
		circle:   ticks / tw.bucketNum,
		callback: callback,
	}
	tw.keyToPos[key] = pos
	return nil
}

// Remove cancels the task under key, if any.
func (tw *TimeWheel) Remove(key interface{}) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if pos, ok := tw.keyToPos[key]; ok {
		delete(tw.buckets[pos], key)
		delete(tw.keyToPos, key)
	}
	return nil
}
