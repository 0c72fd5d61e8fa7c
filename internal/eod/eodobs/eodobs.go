package eodobs

import (
	"context"
	"time"

	"market-relay/internal/interfaces"
	"market-relay/internal/logger"
	"market-relay/internal/trace"
)

type observableSummarizer struct {
	next interfaces.EodSummarizer
}

var _ interfaces.EodSummarizer = (*observableSummarizer)(nil)

// Wrap adds spans and logs around a summarizer.
func Wrap(s interfaces.EodSummarizer) interfaces.EodSummarizer {
	return &observableSummarizer{next: s}
}

func (o *observableSummarizer) SummarizeDay(t time.Time) (string, error) {
	ctx, span := trace.StartSpanWith(context.Background(), "eod.SummarizeDay", "date", t.Format("2006-01-02"))
	defer span.End()
	return o.observe(ctx, t, func() (string, error) { return o.next.SummarizeDay(t) })
}

func (o *observableSummarizer) SummarizeToday() (string, error) {
	ctx, span := trace.StartSpan(context.Background(), "eod.SummarizeToday")
	defer span.End()
	return o.observe(ctx, time.Now(), o.next.SummarizeToday)
}

func (o *observableSummarizer) observe(ctx context.Context, t time.Time, fn func() (string, error)) (string, error) {
	date := t.Format("2006-01-02")
	csvPath, err := fn()
	switch {
	case err != nil:
		logger.ErrorWithErrSkip(ctx, 2, "EOD summary generation failed", err, "date", date)
		return "", err
	case csvPath == "":
		logger.InfoSkip(ctx, 2, "No fills found for EOD summary", "date", date)
	default:
		logger.InfoSkip(ctx, 2, "EOD summary generated", "date", date, "csv_path", csvPath)
	}
	return csvPath, nil
}

func (o *observableSummarizer) ShouldRunNow() (bool, string) {
	shouldRun, csvPath := o.next.ShouldRunNow()
	logger.DebugSkip(context.Background(), 1, "EOD check completed",
		"should_run", shouldRun,
		"csv_path", csvPath,
	)
	return shouldRun, csvPath
}
