package journal

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Status is the state of an attempt.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Attempt is the persistent metadata of one pipeline invocation.
//
// PreviousID links to the latest earlier attempt for the same site, or is
// null for the first.
type Attempt struct {
	ID         string     `json:"id"`
	Site       string     `json:"site"`
	Year       int        `json:"year"`
	Basis      string     `json:"basis"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time"`
	Status     Status     `json:"status"`
	Plan       []string   `json:"plan"`
	Executed   []string   `json:"executed"`
	PreviousID *string    `json:"previous_id"`
}

func (a Attempt) Validate() error {
	var problems []string
	if strings.TrimSpace(a.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(a.Site) == "" {
		problems = append(problems, "site is required")
	}
	if a.Year <= 0 {
		problems = append(problems, "year must be positive")
	}
	if a.StartTime.IsZero() {
		problems = append(problems, "start_time is required")
	}
	switch a.Status {
	case StatusRunning:
		if a.EndTime != nil {
			problems = append(problems, "running attempt has end_time")
		}
	case StatusSucceeded, StatusFailed:
		if a.EndTime == nil {
			problems = append(problems, "finished attempt has no end_time")
		}
	default:
		problems = append(problems, "invalid status "+strings.TrimSpace(string(a.Status)))
	}
	if a.PreviousID != nil && strings.TrimSpace(*a.PreviousID) == "" {
		problems = append(problems, "previous_id must not be empty when provided")
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.New(strings.Join(problems, "; "))
}

// Class groups failures by what the operator has to do about them.
type Class string

const (
	// ClassConfig: fix the configuration; retrying unchanged fails again.
	ClassConfig Class = "config"
	// ClassData: the database lacks usable input for the request.
	ClassData Class = "data"
	// ClassStage: a stage executor failed. Cached stages before it remain valid.
	ClassStage Class = "stage"
	// ClassSystem: I/O, interruption or anything unclassified.
	ClassSystem Class = "system"
)

// Failure is the recorded reason an attempt ended unsuccessfully.
type Failure struct {
	Class     Class   `json:"class"`
	Stage     *string `json:"stage,omitempty"`
	Code      string  `json:"code"`
	Message   string  `json:"message"`
	Retryable bool    `json:"retryable"`
}

func (f Failure) Validate() error {
	var problems []string
	switch f.Class {
	case ClassConfig, ClassData, ClassStage, ClassSystem:
	default:
		problems = append(problems, "invalid class "+string(f.Class))
	}
	if f.Stage != nil && strings.TrimSpace(*f.Stage) == "" {
		problems = append(problems, "stage must not be empty when provided")
	}
	if strings.TrimSpace(f.Code) == "" {
		problems = append(problems, "code is required")
	}
	if strings.TrimSpace(f.Message) == "" {
		problems = append(problems, "message is required")
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.New(strings.Join(problems, "; "))
}
