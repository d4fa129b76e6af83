// Package hedging issues speculative duplicate requests to cut tail latency.
//
// A Hedger starts the primary attempt at once and each further attempt i
// after i*Delay, up to MaxParallel attempts. The first success wins: every
// other attempt has its context cancelled and its result discarded, and
// hedges whose start time has not yet come are never started.
//
//	h := hedging.New(hedging.Config{Enabled: true, Delay: 2 * time.Second, MaxParallel: 3})
//	resp, err := h.Execute(ctx, []hedging.Attempt{callPrimary, callBackup})
//
// Streams are raced on their first chunk. At most one hedge is opened and
// only the winning stream is forwarded; the loser is cancelled and drained.
package hedging
