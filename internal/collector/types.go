package collector

import (
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
)

// JobStatus represents the lifecycle state of a submitted job.
type JobStatus string

// Job status values reported by the work manager.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// JobKind names the family of work a job performs.
type JobKind string

// Kinds of jobs the service runs.
const (
	JobKindCrawl     JobKind = "crawl"
	JobKindIntegrity JobKind = "integrity"
	JobKindRecovery  JobKind = "recovery"
)

// Record is one message published to a content stream. ArrivalID is assigned
// by the producer at publish time and Position is the logical slot the payload
// belongs to. Several records may share a position.
type Record struct {
	Position  string
	ArrivalID ulid.ULID
	Payload   []byte
}

// Specification describes a crawl task submitted through the task API.
type Specification struct {
	ID            string   `json:"id" mapstructure:"id"`
	URLs          []string `json:"urls" mapstructure:"urls"`
	TargetStream  string   `json:"target_stream" mapstructure:"target_stream"`
	RespectRobots bool     `json:"respect_robots" mapstructure:"respect_robots"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	SpecificationID string
	URL             string
	Headers         http.Header
	RespectRobots   bool
}

// RobotsStatus reports how robots.txt was evaluated for a fetch.
type RobotsStatus string

// Robots evaluation outcomes.
const (
	RobotsStatusUnknown       RobotsStatus = ""
	RobotsStatusIndeterminate RobotsStatus = "indeterminate"
)

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	RobotsStatus RobotsStatus
	RobotsReason string
}
