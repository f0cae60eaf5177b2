package execute

import (
	"fmt"
	"strings"

	"github.com/programme-lv/judge/api"
)

// Termination signals with a dedicated status.
const (
	sigABRT = 6
	sigFPE  = 8
	sigSEGV = 11
	sigXFSZ = 25
)

// Evaluate decides the terminal status of an execution result, optionally
// judged against an expected output. The precedence is load-bearing: the
// wall-clock timeout flag wins outright (the synthetic timeout result
// carries exit code 124 and signal 9, which must not be mistaken for a
// runtime error), a recognized signal outranks a generic non-zero exit,
// and any failure outranks an output mismatch.
func Evaluate(result Result, expectedOutput *string) (statusID int, message string) {
	if result.TimeLimitExceeded {
		return api.StatusTimeLimitExceeded, "Time limit exceeded"
	}

	if result.ExitCode != 0 {
		if result.ExitSignal != nil {
			switch *result.ExitSignal {
			case sigSEGV:
				return api.StatusRuntimeSIGSEGV, "Segmentation fault"
			case sigXFSZ:
				return api.StatusRuntimeSIGXFSZ, "File size limit exceeded"
			case sigFPE:
				return api.StatusRuntimeSIGFPE, "Floating point exception"
			case sigABRT:
				return api.StatusRuntimeSIGABRT, "Aborted"
			default:
				return api.StatusRuntimeOther, fmt.Sprintf("Runtime error: signal %d", *result.ExitSignal)
			}
		}
		return api.StatusRuntimeNZEC, fmt.Sprintf("Non-zero exit code: %d", result.ExitCode)
	}

	if expectedOutput != nil {
		actual := strings.TrimSpace(result.Stdout)
		expected := strings.TrimSpace(*expectedOutput)
		if actual != expected {
			return api.StatusWrongAnswer, "Wrong answer"
		}
	}

	return api.StatusAccepted, "Accepted"
}
