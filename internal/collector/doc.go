// Package collector defines the records, job states and collaborator interfaces
// shared by the integrity scanner, the recovery engine, the crawl workers and
// the content-stream backends.
package collector
