// Package workmanager runs long-lived asynchronous jobs (crawls, integrity
// scans, recoveries) and tracks them by worker id until they are removed.
//
// Mutual exclusion per key is advisory: callers bracket their running-check
// and Submit with Lock and Unlock on the same key. Submit itself never checks
// whether another job holds the key.
package workmanager
