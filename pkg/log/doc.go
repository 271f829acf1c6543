/*
Package log provides structured logging for the agent using zerolog.

A single global zerolog.Logger is configured once via Init and every
component derives a child logger from it with WithComponent, adding a
"component" field so log lines from the scheduler, executor, staging
and control loops can be told apart in a shared JSON stream.
WithNodeID, WithPilotID and WithTaskUID attach the relevant identifier
to logs scoped to a single node, pilot or task.
*/
package log
