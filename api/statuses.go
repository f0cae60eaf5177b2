package api

// Submission status ids. Values at or above StatusAccepted are terminal:
// once a submission reaches one of them it never transitions again.
const (
	StatusInQueue           = 1
	StatusProcessing        = 2
	StatusAccepted          = 3
	StatusWrongAnswer       = 4
	StatusTimeLimitExceeded = 5
	StatusCompilationError  = 6
	StatusRuntimeSIGSEGV    = 7
	StatusRuntimeSIGXFSZ    = 8
	StatusRuntimeSIGFPE     = 9
	StatusRuntimeSIGABRT    = 10
	StatusRuntimeNZEC       = 11
	StatusRuntimeOther      = 12
	StatusInternalError     = 13
)

type Status struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var statuses = []Status{
	{StatusInQueue, "In Queue", "In Queue"},
	{StatusProcessing, "Processing", "Processing"},
	{StatusAccepted, "Accepted", "Accepted"},
	{StatusWrongAnswer, "Wrong Answer", "Wrong Answer"},
	{StatusTimeLimitExceeded, "Time Limit Exceeded", "Time Limit Exceeded"},
	{StatusCompilationError, "Compilation Error", "Compilation Error"},
	{StatusRuntimeSIGSEGV, "Runtime Error (SIGSEGV)", "Runtime Error (SIGSEGV)"},
	{StatusRuntimeSIGXFSZ, "Runtime Error (SIGXFSZ)", "Runtime Error (SIGXFSZ)"},
	{StatusRuntimeSIGFPE, "Runtime Error (SIGFPE)", "Runtime Error (SIGFPE)"},
	{StatusRuntimeSIGABRT, "Runtime Error (SIGABRT)", "Runtime Error (SIGABRT)"},
	{StatusRuntimeNZEC, "Runtime Error (NZEC)", "Runtime Error (NZEC)"},
	{StatusRuntimeOther, "Runtime Error (Other)", "Runtime Error (Other)"},
	{StatusInternalError, "Internal Error", "Internal Error"},
}

// Statuses returns the full status table in id order.
func Statuses() []Status {
	out := make([]Status, len(statuses))
	copy(out, statuses)
	return out
}

// StatusByID returns the status row for id, or a zero Status when unknown.
func StatusByID(id int) (Status, bool) {
	for _, s := range statuses {
		if s.ID == id {
			return s, true
		}
	}
	return Status{}, false
}

// IsTerminal reports whether a submission with the given status id has
// finished processing.
func IsTerminal(id int) bool {
	return id >= StatusAccepted
}
