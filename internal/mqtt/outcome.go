package mqtt

// Status classifies the result of an [ConnectionManager.Enqueue] call.
type Status int

const (
	// Accepted means the payload was placed on the outbound queue.
	Accepted Status = iota

	// QueueFull means the outbound queue was at capacity and the
	// payload was dropped.
	QueueFull

	// Rejected means the payload was refused for any other reason.
	// The Outcome's Reason says why.
	Rejected
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case QueueFull:
		return "queue_full"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Rejection reasons reported by the connection manager.
const (
	ReasonNotStarted   = "not started"
	ReasonStopped      = "stopped"
	ReasonEmptyTopic   = "empty topic"
	ReasonWildcard     = "topic contains wildcard"
	ReasonEmptyPayload = "empty payload"
	ReasonInvalidQoS   = "invalid qos"
)

// Outcome is the result of one enqueue attempt.
type Outcome struct {
	Status Status
	Reason string // set only when Status is Rejected
}

// AcceptedOutcome returns an Accepted outcome.
func AcceptedOutcome() Outcome { return Outcome{Status: Accepted} }

// QueueFullOutcome returns a QueueFull outcome.
func QueueFullOutcome() Outcome { return Outcome{Status: QueueFull} }

// RejectedOutcome returns a Rejected outcome carrying reason.
func RejectedOutcome(reason string) Outcome {
	return Outcome{Status: Rejected, Reason: reason}
}

func (o Outcome) String() string {
	if o.Status == Rejected && o.Reason != "" {
		return o.Status.String() + ": " + o.Reason
	}
	return o.Status.String()
}
