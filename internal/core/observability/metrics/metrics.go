// Package metrics provides lightweight instrumentation hooks for the
// optimistic engine without coupling it to a concrete metrics backend.
package metrics

// Collector receives engine-level events. Implementations must be safe for
// concurrent use.
type Collector interface {
	SetPendingOperations(n int)
	RecordRollback(reason string)
	RecordConflict()
	RecordBroadcast()
	RecordBackup()
	RecordResync()
}

// Nop discards every observation.
type Nop struct{}

var _ Collector = Nop{}

func (Nop) SetPendingOperations(int)  {}
func (Nop) RecordRollback(string)     {}
func (Nop) RecordConflict()           {}
func (Nop) RecordBroadcast()          {}
func (Nop) RecordBackup()             {}
func (Nop) RecordResync()             {}
