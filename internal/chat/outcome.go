package chat

// OutcomeStatus discriminates the two results of a submission.
type OutcomeStatus int

const (
	StatusDelivered OutcomeStatus = iota + 1
	StatusRejected
)

func (s OutcomeStatus) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// DeliveryFailedReason is sent to the sender when an approved message could
// not be persisted.
const DeliveryFailedReason = "could not deliver message, please retry"

// Outcome is the result of Pipeline.Submit. Message is set when delivered.
// Reason and Err are set when rejected; Err wraps one of ErrEmptyInput,
// ErrInvalidInput, ErrModerationRejected or ErrStoreUnavailable.
type Outcome struct {
	Status  OutcomeStatus
	Message Message
	Reason  string
	Err     error
}

func (o Outcome) Delivered() bool {
	return o.Status == StatusDelivered
}

func delivered(msg Message) Outcome {
	return Outcome{Status: StatusDelivered, Message: msg}
}

func rejected(err error, reason string) Outcome {
	return Outcome{Status: StatusRejected, Reason: reason, Err: err}
}
