// Package scheduler owns the registry of live tasks.
//
// It arms each task on a timer.Facility, persists it through a
// storage.TaskStore and, when a timer fires, hands the typed payload to the
// matching handler (through the task engine when one is configured).
//
// The registry is the authority while the process runs; the store is only
// read back at boot by Load. A task absent from the registry does not exist,
// whatever the store says.
package scheduler
