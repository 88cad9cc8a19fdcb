package orders

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true, StatusCompleted: true, StatusCancelled: true},
	StatusProcessing: {StatusPending: true, StatusCompleted: true, StatusCancelled: true},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

// CanTransition reports whether from may move to to. Staying put is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return validNext[from][to]
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// OpenStatuses are the states the reconciler keeps polling.
var OpenStatuses = []Status{StatusPending, StatusProcessing}
