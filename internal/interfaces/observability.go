package interfaces

import "context"

// Counter is a monotonically increasing metric. go-metrics counters satisfy it.
type Counter interface {
	Inc(int64)
	Count() int64
}

// ErrorTracker reports an error and continues. Implementations must never panic.
type ErrorTracker interface {
	TrackException(ctx context.Context, err error, fields map[string]string)
}
