/*
Package pubsub is the fan-out messaging primitive behind the agent's
named pubsubs: STATE (every state transition, spec.md §6) and CONTROL
(cancel/shutdown commands, spec.md §4.6). Both are instantiated as
pubsub.Broker[T] with the appropriate message type.

Queues, by contrast — the point-to-point, load-balanced, back-pressured
channels a task rides between pipeline stages — live in pkg/queue. The
two packages share no code because their delivery guarantees differ:
pubsub is best-effort fan-out, queue is lossless FIFO with blocking
back-pressure.
*/
package pubsub
