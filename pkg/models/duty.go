package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RunStatus is the outcome of one duty tick.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunTimedOut  RunStatus = "TIMED_OUT"
)

// Finished reports whether the run reached a terminal status.
func (s RunStatus) Finished() bool {
	return s == RunSucceeded || s == RunFailed || s == RunTimedOut
}

// DutyRun records one execution of the leader-only duty. ElectionID ties it
// to the election under which this peer believed it was leader.
type DutyRun struct {
	ID          uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	Duty        string     `json:"duty" gorm:"not null;index:idx_duty_started"`
	Scope       string     `json:"scope" gorm:"not null"`
	ClientID    string     `json:"client_id" gorm:"type:varchar(64);not null"`
	ElectionID  string     `json:"election_id" gorm:"type:varchar(64)"`
	Command     string     `json:"command" gorm:"not null"`
	Status      RunStatus  `json:"status" gorm:"type:varchar(20);default:'RUNNING'"`
	ExitCode    int        `json:"exit_code"`
	OutputURI   string     `json:"output_uri"`
	StartedAt   time.Time  `json:"started_at" gorm:"not null;index:idx_duty_started"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// BeforeCreate hook to generate UUID if not present
func (r *DutyRun) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return
}

// Duration returns how long the run took, or zero while it is running.
func (r *DutyRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
