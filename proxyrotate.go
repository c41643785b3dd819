package proxyrotate

import (
	"time"
)

// Lifecycle defaults
const (
	// DefaultConcurrency bounds how many initial spawns run at once
	DefaultConcurrency = 10

	// DefaultRetryDelay is the fixed delay before a failed spawn is retried
	DefaultRetryDelay = 1 * time.Second

	// DefaultRestartDelay is the fixed delay before a crashed worker is respawned
	DefaultRestartDelay = 1 * time.Second

	// DefaultStopTimeout is how long a worker may take to honor a stop signal
	// before it is killed
	DefaultStopTimeout = 10 * time.Second

	// DefaultShutdownTimeout bounds the whole shutdown drain
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultStartupGrace is how long a freshly launched worker must stay up
	// before the launcher reports it alive
	DefaultStartupGrace = 300 * time.Millisecond

	// DefaultOutputLimit is the number of trailing output bytes kept per worker
	DefaultOutputLimit = 8 << 10

	// DefaultSubscriberBuffer is the channel size used by Subscribe when the
	// caller passes zero
	DefaultSubscriberBuffer = 64
)

// File modes
const (
	// DirMode is the default mode for created directories
	DirMode = 0o755

	// FileMode is the default mode for PID records
	FileMode = 0o644

	// PrivateFileMode is the mode for allow-list and log files
	PrivateFileMode = 0o600
)

// Operation represents a pool or lifecycle operation type
type Operation int

const (
	// OpUnknown represents an unknown operation
	OpUnknown Operation = iota
	// OpAcquire takes a free endpoint from the pool
	OpAcquire
	// OpRelease returns an endpoint to the pool
	OpRelease
	// OpAdd inserts an endpoint into the pool
	OpAdd
	// OpSpawn launches a worker for an instance
	OpSpawn
	// OpRotate moves an instance onto a different endpoint
	OpRotate
	// OpRestart respawns an instance after an unplanned exit
	OpRestart
	// OpStop terminates a single instance
	OpStop
	// OpShutdown terminates every instance
	OpShutdown
)

// Operation string constants
const (
	opUnknownStr  = "unknown"
	opAcquireStr  = "acquire"
	opReleaseStr  = "release"
	opAddStr      = "add"
	opSpawnStr    = "spawn"
	opRotateStr   = "rotate"
	opRestartStr  = "restart"
	opStopStr     = "stop"
	opShutdownStr = "shutdown"
)

// String returns the string representation of an Operation
func (op Operation) String() string {
	switch op {
	case OpAcquire:
		return opAcquireStr
	case OpRelease:
		return opReleaseStr
	case OpAdd:
		return opAddStr
	case OpSpawn:
		return opSpawnStr
	case OpRotate:
		return opRotateStr
	case OpRestart:
		return opRestartStr
	case OpStop:
		return opStopStr
	case OpShutdown:
		return opShutdownStr
	default:
		return opUnknownStr
	}
}

// Status is the lifecycle state of a supervised instance
type Status int

const (
	// StatusSpawning means an endpoint is being acquired or a worker launched,
	// or a retry is scheduled
	StatusSpawning Status = iota
	// StatusRunning means the worker is alive
	StatusRunning
	// StatusRotating means a planned stop-then-respawn is in progress
	StatusRotating
	// StatusStopping means a manager-initiated stop is in progress
	StatusStopping
	// StatusStopped means the instance is finished and holds nothing
	StatusStopped
)

// Status string constants
const (
	statusSpawningStr = "spawning"
	statusRunningStr  = "running"
	statusRotatingStr = "rotating"
	statusStoppingStr = "stopping"
	statusStoppedStr  = "stopped"
	statusUnknownStr  = "unknown"
)

// String returns the string representation of a Status
func (s Status) String() string {
	switch s {
	case StatusSpawning:
		return statusSpawningStr
	case StatusRunning:
		return statusRunningStr
	case StatusRotating:
		return statusRotatingStr
	case StatusStopping:
		return statusStoppingStr
	case StatusStopped:
		return statusStoppedStr
	default:
		return statusUnknownStr
	}
}

// MarshalText renders the status name in JSON snapshots
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// allStatuses lists every status in declaration order
func allStatuses() []Status {
	return []Status{StatusSpawning, StatusRunning, StatusRotating, StatusStopping, StatusStopped}
}
