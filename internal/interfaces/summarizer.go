package interfaces

import "time"

// EodSummarizer writes the end-of-day fills summary.
type EodSummarizer interface {
	// SummarizeDay returns the CSV path, or "" when the day had no fills.
	SummarizeDay(t time.Time) (csvPath string, err error)
	SummarizeToday() (csvPath string, err error)
	// ShouldRunNow is true after market close while today's summary is missing.
	ShouldRunNow() (shouldRun bool, csvPath string)
}
