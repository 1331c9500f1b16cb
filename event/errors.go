package event

import "errors"

// ErrStoreUnavailable is returned by Append when the underlying persistence
// layer cannot durably record the event. Per the run engine's error design,
// this class of failure is treated as fatal to the process: silently
// diverging from durable truth is worse than crashing and letting
// crash-recovery replay the log on restart.
var ErrStoreUnavailable = errors.New("event: store unavailable")
