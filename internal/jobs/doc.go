// Package jobs owns the name-addressed job registry and the operations
// exposed over the API: schedule, update, trigger, delete and list.
//
// Jobs live in memory only. Each job is bound to a scheduler entry whose
// tick invokes the configured action with the job's payload.
package jobs
