// Package reporter periodically logs a summary of engine activity.
//
// The summary carries request, failover and hedge counts since the previous
// report plus the number of open circuits. Per-provider detail (weight, p95,
// queue depth) is logged at debug level. WithSink additionally hands every
// snapshot to a Sink such as the SQLite history store.
//
//	rep := reporter.New(eng, "@every 1m", reporter.WithLogger(logger))
//	if err := rep.Start(ctx); err != nil {
//		return err
//	}
//	defer rep.Stop()
package reporter
