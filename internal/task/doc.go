// Package task runs pipeline executions asynchronously. Service stores a
// pending task and publishes its ID; Processor workers claim tasks, run the
// orchestrator and record the result. Stores: memory, Redis. Queues: memory,
// Redis list, RabbitMQ.
package task
