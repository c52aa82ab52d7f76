package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAvgEmpty(t *testing.T) {
	sw := NewSlidingWindow(10, 100)
	assert.Equal(t, int64(0), sw.Avg(GetNowMs()))
}

func TestAvgSingleCell(t *testing.T) {
	sw := NewSlidingWindow(10, 100)
	now := int64(1000000)
	sw.Add(now, 10)
	sw.Add(now+1, 20)
	sw.Add(now+2, 30)
	assert.Equal(t, int64(20), sw.Avg(now+2))
}

func TestAvgAcrossCells(t *testing.T) {
	sw := NewSlidingWindow(10, 100)
	now := int64(1000000)
	sw.Add(now, 100)
	sw.Add(now+150, 200)
	sw.Add(now+250, 300)
	assert.Equal(t, int64(200), sw.Avg(now+250))
}

func TestExpiredCellsIgnored(t *testing.T) {
	sw := NewSlidingWindow(10, 100)
	now := int64(1000000)
	sw.Add(now, 1000)
	// a full window later the old sample has aged out
	later := now + 10*100 + 1
	sw.Add(later, 10)
	assert.Equal(t, int64(10), sw.Avg(later))
}

func TestCellReuseResets(t *testing.T) {
	sw := NewSlidingWindow(2, 100)
	now := int64(1000000)
	sw.Add(now, 100)
	// lands in the same ring slot two windows later and must not see the
	// old sum
	sw.Add(now+400, 50)
	assert.Equal(t, int64(50), sw.Avg(now+400))
}
