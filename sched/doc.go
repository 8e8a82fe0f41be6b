// Package sched runs runnable items on a fixed set of workers and fires
// deadlines.
//
// Pool is a work-stealing pool: every worker owns a local queue, idle
// workers steal half of a random peer's queue, and a global queue
// receives work from outside the pool. Timeouts is a single goroutine
// delivering items whose deadline elapsed.
package sched
