package window

import "time"

/*
 * A SlidingWindow is made of Size cells of equal duration (CellIntervalMs).
 * Since epoch the time axis is cut into CellIntervalMs segments which map
 * onto the cell ring. Cells are not refreshed on a timer; they are lazily
 * reset when a sample lands in an expired cell, so the caller controls all
 * clock reads.
 */

type cell struct {
	startMs int64
	count   int64
	sum     int64
}

func (c *cell) reset(startMs int64) {
	c.startMs = startMs
	c.count = 0
	c.sum = 0
}

// SlidingWindow accumulates int64 samples and answers their average over the
// trailing Size*CellIntervalMs window. Not goroutine safe; callers serialize.
type SlidingWindow struct {
	Size           int64
	CellIntervalMs int64
	cells          []*cell
}

func NewSlidingWindow(size int64, cellIntervalMs int64) *SlidingWindow {
	cells := make([]*cell, size)
	for i := 0; int64(i) < size; i++ {
		cells[i] = &cell{}
	}
	return &SlidingWindow{
		Size:           size,
		CellIntervalMs: cellIntervalMs,
		cells:          cells,
	}
}

func (sw *SlidingWindow) Add(nowMs int64, value int64) {
	c := sw.getCell(nowMs)
	if nowMs-c.startMs >= sw.CellIntervalMs { // lazily check if cell expired
		c.reset(sw.cellStartMs(nowMs))
	}
	c.count++
	c.sum += value
}

func (sw *SlidingWindow) getCell(nowMs int64) *cell {
	idx := nowMs / sw.CellIntervalMs % sw.Size
	return sw.cells[idx]
}

func (sw *SlidingWindow) cellStartMs(nowMs int64) int64 {
	return nowMs - nowMs%sw.CellIntervalMs
}

// Avg returns the average of the samples still inside the window, 0 if none.
func (sw *SlidingWindow) Avg(nowMs int64) int64 {
	windowStart := nowMs - sw.Size*sw.CellIntervalMs
	var count, sum int64
	for _, c := range sw.cells {
		if c.startMs < windowStart { // lazily check if cell expired
			continue
		}
		count += c.count
		sum += c.sum
	}
	if count == 0 {
		return 0
	}
	return sum / count
}

// GetNowMs is the timestamp source callers are expected to use.
func GetNowMs() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
