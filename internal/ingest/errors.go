package ingest

import "errors"

var (
	// ErrGroundTruthUnavailable means no report source produced enough
	// reports. It aborts the cycle.
	ErrGroundTruthUnavailable = errors.New("ground truth unavailable")

	// ErrDataQuality marks a response that parsed but cannot be used.
	ErrDataQuality = errors.New("unusable upstream data")

	// ErrCycleRunning is returned when a cycle is requested while one is
	// already in progress.
	ErrCycleRunning = errors.New("update cycle already running")
)
