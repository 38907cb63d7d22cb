// Package recovery rebuilds a target content stream from a source stream and
// the source's sequence index. Every indexed position is written to the
// target exactly once, carrying the payload of its earliest-arriving
// version, in ascending position order.
package recovery
