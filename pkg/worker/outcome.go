package worker

// Outcome classifies how a user task function finished processing one
// message. Routing is explicit on this type rather than via a thrown
// sentinel exception (spec Design Notes §9): the executor switches on
// Outcome.Kind to decide ack/nack/retry/restart.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

// OutcomeKind enumerates the terminal states a task handler can report.
type OutcomeKind int

const (
	// Success acks the message.
	Success OutcomeKind = iota
	// Retryable leaves the message for an external retry policy; the core
	// only knows "not acked yet" — it does not implement retry counting
	// itself (spec §7.3 is explicitly delegated).
	Retryable
	// Terminal nacks the message, sending it to the dead-letter queue.
	Terminal
	// RestartRequested completes the message (ack by default, see
	// Worker.AckOnRestart) and signals the worker-level restart flag.
	RestartRequested
)

// Ok reports a successful completion.
func Ok() Outcome { return Outcome{Kind: Success} }

// Retry reports a retryable failure.
func Retry(err error) Outcome { return Outcome{Kind: Retryable, Err: err} }

// Fail reports a terminal, non-retryable failure.
func Fail(err error) Outcome { return Outcome{Kind: Terminal, Err: err} }

// Restart reports that the task asked the process to recycle.
func Restart() Outcome { return Outcome{Kind: RestartRequested} }
