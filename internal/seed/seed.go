// Package seed hands out unique, strictly increasing generation seeds.
package seed

import "sync/atomic"

// Allocator is safe for concurrent use. Seeds handed to jobs that later fail
// are not recycled.
type Allocator struct {
	next atomic.Int64
}

// New returns an allocator whose first Next call yields start.
func New(start int64) *Allocator {
	a := &Allocator{}
	a.next.Store(start)
	return a
}

// Next returns the current value and advances the counter by one.
func (a *Allocator) Next() int64 {
	return a.next.Add(1) - 1
}

// Peek returns the value the next call to Next will produce.
func (a *Allocator) Peek() int64 {
	return a.next.Load()
}
