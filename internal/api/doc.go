// Package api exposes the pipeline over HTTP: synchronous execution,
// asynchronous runs backed by the task queue, usage statistics, archived
// run lookup and Prometheus metrics.
package api
