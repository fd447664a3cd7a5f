// Package config defines configuration structures for the noaaharvest CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (NOAAHARVEST_ prefix)
//   - YAML configuration file
//
// # Structure
//
//	type Config struct {
//	    URL              string
//	    Dest             string
//	    IndexRegex       string
//	    MemberRegex      string
//	    Years            []string
//	    Workers          int
//	    RunTimeMax       time.Duration
//	    PollingTimeout   time.Duration
//	    TerminateTimeout time.Duration
//	    TmpDir           string
//	    Force            bool
//	    Compress         bool
//	}
package config
