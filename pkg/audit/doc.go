// Package audit delivers security audit events to a compliance backend with
// at-least-once semantics.
//
// Producers call the Service's Log* methods, which build an immutable Event,
// append it to an in-memory FIFO Queue and return without waiting on I/O. A
// single scheduler worker flushes batches to a Transport when the queue
// reaches BatchSize, after a debounce delay following the first enqueue, and
// on a periodic tick. Failed flushes run the RetryPolicy; entries that exhaust
// MaxRetries are abandoned and logged at error level. Every queue mutation is
// mirrored into a kvstore.Store so a restarted process can rehydrate the queue
// if the snapshot is younger than RecoveryWindow.
//
// Usage:
//
//	svc, err := audit.NewService(audit.DefaultConfig(), transport, store, logger)
//	if err := svc.Start(ctx); err != nil { ... }
//	defer svc.Stop(ctx)
//	svc.LogAccess(ctx, audit.EventAccessSuccess, audit.AccessParams{UserID: "u-1"})
package audit
