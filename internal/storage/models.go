package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Chart run statuses.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Input kinds of a chart run.
const (
	InputText = "text"
	InputCSV  = "csv"
)

// ChartRun is one persisted pipeline run.
type ChartRun struct {
	ID            string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	InputKind     string
	InputText     string
	Status        string
	ChartSpecJSON string // empty until the run succeeds
	Error         string
	ErrorCategory string
	DebugTrail    string // JSON array of trail lines
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
