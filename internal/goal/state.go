package goal

// ExitCode is the lifecycle state of a goal. A goal starts Busy and moves
// exactly once to one of the terminal codes, after which it never changes
// again.
type ExitCode int

const (
	Busy ExitCode = iota
	Success
	Failed
	NoSubstituters
	IncompleteClosure
)

// Terminal reports whether the code is final.
func (e ExitCode) Terminal() bool { return e != Busy }

func (e ExitCode) String() string {
	switch e {
	case Busy:
		return "busy"
	case Success:
		return "success"
	case Failed:
		return "failed"
	case NoSubstituters:
		return "no-substituters"
	case IncompleteClosure:
		return "incomplete-closure"
	default:
		return "unknown"
	}
}
