package syncer

import "time"

const (
	defaultMaxDepth          = 100
	defaultMaxBlocksPerCycle = 500
	defaultPrefetchWorkers   = 8
	defaultLeaseTTL          = 5 * time.Minute

	leaseReleaseTimeout = 5 * time.Second
	maxBackoffFactor    = 10
)
