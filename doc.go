// Package dslock serialises writers of shared on-disk datasets across
// processes and hosts that share a filesystem.
//
// A lock is a small JSON file, <dir>/<dataset>.lock, published with an
// exclusive create. It names the holder (pid, hostname, writer id) and an
// expiry:
//
//	{"pid":4242,"hostname":"ingest-1","writer_id":"0199...","acquired_at":"2026-01-02T03:04:05.123456789Z","expires_at":"2026-01-02T07:04:05.123456789Z"}
//
// There is no coordinator. A contender that finds the file reads it and asks
// whether it is stale: unreadable, past its expiry, or held by a process on
// the same host that no longer exists. Holders on other hosts are never
// presumed dead before expiry. Stale files are renamed aside, and because a
// rename of one source path succeeds for only one caller, concurrent
// recoveries of the same record produce a single winner.
//
// Release and Refresh check ownership twice, once against the token held in
// memory and once against the file on disk, and never touch a file that names
// someone else.
//
// Typical use:
//
//	err := dslock.WithLock(ctx, "/data/locks", "eod-bars", 10*time.Minute,
//		func(ctx context.Context, tok dslock.Token) error {
//			return syncBars(ctx)
//		})
//
// Long jobs can keep the record fresh with Locker.KeepAlive. Inspect, Recover
// and Watch are intended for operators and are exposed through the dslock
// command.
package dslock
