// Package store declares the job history repository fed by the progress hub.
package store
