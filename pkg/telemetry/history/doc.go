// Package history persists periodic per-provider snapshots of engine state
// to SQLite.
//
// The stats reporter writes one row per provider on every run. Rows older
// than the configured retention are pruned on each write. The relay history
// command reads them back, so circuit flaps and weight shifts can be
// inspected after the fact.
//
//	store, err := history.Open(history.Config{Path: "relay-history.db", Retention: 24 * time.Hour})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	rep := reporter.New(eng, "@every 1m", reporter.WithSink(store))
package history
