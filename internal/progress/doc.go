// Package progress provides human-readable progress reporting for a run.
//
// The reporter prints periodic status lines to stderr while the master is
// polling, and a final summary when the run finishes. Output is diagnostic
// only; no machine-readable format is part of the contract.
//
// # Output Format
//
//	[noaaharvest] Harvesting 5 years from https://www.ncei.noaa.gov/... | Workers: 2
//	[noaaharvest] Progress: 2 done | 0 failed | 1 skipped | 2 in-flight | 0 pending
//	[noaaharvest] Waiting for: 1903, 1904
//	[noaaharvest] Finished in 42s | 12.4 MiB aggregated | 4 done | 1 skipped
package progress
