// Package upsafe provides the exclusive-access cell used for kernel state on
// a single, cooperatively scheduled core.
package upsafe

import (
	"errors"
	"sync"
)

// Borrow errors.
var (
	ErrAlreadyBorrowed = errors.New("upsafe: cell already borrowed")
	ErrNotBorrowed     = errors.New("upsafe: cell released without a borrow")
)

// Cell grants exclusive access to a value. Unlike a mutex it never blocks:
// borrowing a cell that is already borrowed means the same logical operation
// tried to enter twice, which would deadlock on real hardware, so it panics.
type Cell[T any] struct {
	// mu protects the borrowed flag only; the value is protected by the borrow.
	mu       sync.Mutex
	borrowed bool
	value    T
}

// New creates a cell holding v.
func New[T any](v T) *Cell[T] {
	return &Cell[T]{value: v}
}

// Borrow grants exclusive access to the value until Release is called.
func (c *Cell[T]) Borrow() *T {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.borrowed {
		panic(ErrAlreadyBorrowed)
	}
	c.borrowed = true
	return &c.value
}

// Release ends the current borrow.
func (c *Cell[T]) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.borrowed {
		panic(ErrNotBorrowed)
	}
	c.borrowed = false
}

// With borrows the value for the duration of fn.
func (c *Cell[T]) With(fn func(v *T)) {
	v := c.Borrow()
	defer c.Release()
	fn(v)
}

// Borrowed reports whether the cell is currently borrowed.
func (c *Cell[T]) Borrowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.borrowed
}
