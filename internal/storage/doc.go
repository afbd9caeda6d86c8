// Package storage persists job execution history for operators.
//
// It is write-mostly: the executor appends one record per invocation and the
// API reads the most recent records per job. Nothing here is used to rebuild
// the job registry after a restart.
package storage
