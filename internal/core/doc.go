// Package core runs the pipeline commands behind the CLI and the status
// server.
//
// A [Service] ties together the rate-limited NREL client, the bulk loader
// and the destination store:
//
//   - [Service.Run] downloads one CSV per year, then loads them all.
//   - [Service.LoadDir], [Service.LoadFiles] and [Service.LoadArchive] load
//     files already on disk.
//   - [Service.RequestAsync] and [Service.FetchAsync] drive the
//     asynchronous archive flow.
//   - [Service.Schedule] repeats Run on an interval.
//
// Commands are serialized, each gets a fresh run ID that every log line of
// the command carries, and finished commands are kept for [Service.LastRuns].
//
// # Error Handling
//
// Technical errors are mapped to operator-facing messages using [MapError].
// Each category has a code prefix:
//
//   - QTA: quota exhausted or quota state unavailable
//   - NET: API unreachable, refused or throttled
//   - SCH: schema mismatch or table creation failure
//   - LOAD: batch, row shape, missing files, database connection
//   - CFG: missing or invalid configuration
package core
