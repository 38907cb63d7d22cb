// Package sequence maintains the durable, ordered index of what a content
// stream contained: one key per observed (position, arrival id) pair, sorted
// by position and then by arrival id. The index is backed by an embedded bbolt
// database per stream and is written in batched transactions so a crash loses
// at most one partial batch.
package sequence
