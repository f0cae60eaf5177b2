package execute

import "time"

// Result is the outcome of one run of the submission's program.
type Result struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	ExitSignal *int

	TimeMillis     int64
	WallTimeMillis int64
	MemoryKB       int64

	TimeLimitExceeded bool

	StartedAt  time.Time
	FinishedAt time.Time
}

// AggregateResults reduces repeated runs to one representative result: a
// single run passes through unchanged, multiple runs keep the first run's
// output and exit status with the arithmetic mean of time and memory.
func AggregateResults(results []Result) Result {
	if len(results) == 0 {
		return Result{}
	}
	if len(results) == 1 {
		return results[0]
	}

	var totalTime, totalWall, totalMem int64
	for _, r := range results {
		totalTime += r.TimeMillis
		totalWall += r.WallTimeMillis
		totalMem += r.MemoryKB
	}

	agg := results[0]
	n := int64(len(results))
	agg.TimeMillis = totalTime / n
	agg.WallTimeMillis = totalWall / n
	agg.MemoryKB = totalMem / n
	return agg
}
