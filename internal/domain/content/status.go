package content

type Status string

const (
	StatusPending           Status = "pending"
	StatusValidating        Status = "validating"
	StatusRetrievingContext Status = "retrieving_context"
	StatusGeneratingScript  Status = "generating_script"
	StatusSynthesizingAudio Status = "synthesizing_audio"
	StatusAssemblingVisual  Status = "assembling_visual"
	StatusFinalizing        Status = "finalizing"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// stageRank orders the processing states; pending is the origin.
var stageRank = map[Status]int{
	StatusPending:           0,
	StatusValidating:        1,
	StatusRetrievingContext: 2,
	StatusGeneratingScript:  3,
	StatusSynthesizingAudio: 4,
	StatusAssemblingVisual:  5,
	StatusFinalizing:        6,
}

func (s Status) String() string { return string(s) }

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Processing reports whether s is one of the pipeline stage states.
func (s Status) Processing() bool {
	r, ok := stageRank[s]
	return ok && r > 0
}

func (s Status) Valid() bool {
	_, ok := stageRank[s]
	return ok || s.Terminal()
}

// TerminalStatuses is the set a guarded update must never overwrite.
func TerminalStatuses() []string {
	return []string{string(StatusCompleted), string(StatusFailed), string(StatusCancelled)}
}

// CanTransition encodes the request state machine:
//
//	pending -> stage states in strictly increasing order -> completed (from finalizing only)
//	any non-terminal -> failed | cancelled
//	stage state -> pending (retry reset)
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusFailed, StatusCancelled:
		return true
	case StatusCompleted:
		return from == StatusFinalizing
	case StatusPending:
		return from.Processing()
	}
	fromRank, ok := stageRank[from]
	if !ok {
		return false
	}
	toRank, ok := stageRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}
