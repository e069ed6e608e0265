package worker

import "github.com/guido-cesarano/distriq/pkg/tasks"

// EventKind enumerates the fixed set of lifecycle hooks middleware can
// observe. Dispatch is a type switch over this enum, not a string-keyed
// registry (spec Design Notes §9).
type EventKind int

const (
	BeforeProcess EventKind = iota
	AfterProcess
	BeforeConsumerStop
)

// Event is passed to every registered Listener. AfterProcess carries
// Message and Outcome; BeforeProcess carries Message with a zero Outcome;
// BeforeConsumerStop carries neither.
type Event struct {
	Kind    EventKind
	Message tasks.Message
	Outcome Outcome
}

// Listener is the capability interface middleware implement.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(Event)

// OnEvent implements Listener.
func (f ListenerFunc) OnEvent(e Event) { f(e) }
