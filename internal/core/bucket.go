package core

import "hash/fnv"

const bucketSpace = 100

// Bucket maps (identifier, salt) to a stable integer in [0,100). It hashes
// "identifier:salt" with 64-bit FNV-1a and reduces modulo 100. Whole
// percentage points are the fixed granularity; changing it would reassign
// every bucketed user.
//
// An empty identifier is allowed (anonymous traffic) but carries no
// cross-session stability; callers should pass a stable device or session ID
// when no user ID is available.
func Bucket(identifier, salt string) int {
	h := fnv.New64a()
	h.Write([]byte(identifier))
	h.Write([]byte{':'})
	h.Write([]byte(salt))
	return int(h.Sum64() % bucketSpace)
}

// FlagSalt returns the bucketing salt for a flag key. Flags and experiments
// salt from disjoint namespaces so the same key buckets independently.
func FlagSalt(flagKey string) string { return "flag/" + flagKey }

// ExperimentSalt returns the bucketing salt for an experiment key.
func ExperimentSalt(experimentKey string) string { return "experiment/" + experimentKey }
