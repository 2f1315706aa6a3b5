// Package queue provides background task execution for sync workloads:
// a fixed worker pool consuming sync tasks FIFO, and a sliding-window
// rate limiter shared by the API clients.
package queue
