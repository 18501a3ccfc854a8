// Package router dispatches typed messages between system components under
// a bounded concurrency budget. Messages beyond the budget wait in a FIFO
// backlog and callers receive an immediately-queued delivery receipt; failed
// handlers are retried with exponential backoff inside an overall per-message
// deadline. Adapter operations flow through an independent priority queue
// with its own concurrency bound.
package router
