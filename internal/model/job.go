package model

// JobStatus is the lifecycle state of a scan job in the backend.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ScanJob is a claimed website-scan request.
type ScanJob struct {
	ID        string
	TargetURL string
}
