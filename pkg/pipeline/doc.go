// Package pipeline runs chains of stages that stream items between
// goroutines, one chain per device.
//
// # Architecture
//
// A Pipeline owns an ordered list of stages and pulls tasks from a shared
// TaskSource. For every task it wires the stages together with bounded
// pipes, starts one goroutine per stage and joins them before taking the
// next task.
//
//	TaskSource ──► source ──pipe──► stage ──pipe──► ... ──► last ──► terminal
//
// The source stage turns the task into a stream of items and finishes the
// stream with exactly one EndOfStream. Every other stage forwards the
// EndOfStream it receives and returns. Several pipelines usually feed one
// Sink: each pipeline holds a Producer, and the Sink returns once every
// producer has closed.
//
// # Failures
//
// A stage that returns an error (or panics) fails the task. All pipes of the
// task are closed so that blocked siblings wake up and return ErrAborted,
// buffered items are released, and the pipeline stops pulling tasks. The
// RetryPolicy decides whether a failed task is attempted again; the default
// never retries.
package pipeline
