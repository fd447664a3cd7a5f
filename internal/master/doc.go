// Package master coordinates a harvest run.
//
// The master owns the task bookkeeping table and the worker pool. It
// resolves the remote index into per-year tasks, filters out years whose
// destination already exists, dispatches the rest to a fixed pool of
// workers, and polls for results on a fixed interval while watching the
// run deadline.
//
// When the deadline passes with work outstanding, the master cancels the
// worker context, waits up to the terminate grace period for in-flight
// tasks to clean up, and marks everything that did not finish as
// cancelled. Task failures never abort the run; they are absorbed into
// the final summary.
package master
