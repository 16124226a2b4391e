// Package session persists upload session state so an interrupted or paused
// publish can resume where it left off. Sessions move through a small state
// machine: in_progress and paused may flip between each other, completed
// and failed are terminal.
package session

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/wolfeidau/publish-cache/cache/manifest"
)

// Status is the lifecycle state of an upload session.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// canTransition encodes the state machine. Pausing requires an active
// session, resuming a paused one; either may be completed or failed. A
// status never transitions to itself.
func canTransition(from, to Status) bool {
	switch to {
	case StatusPaused:
		return from == StatusInProgress
	case StatusInProgress:
		return from == StatusPaused
	case StatusCompleted, StatusFailed:
		return !from.Terminal()
	default:
		return false
	}
}

// FileRecord notes one file the session has already uploaded.
type FileRecord struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Hash       string    `json:"hash"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Progress tracks upload counters for a session.
type Progress struct {
	TotalFiles    int    `json:"total_files"`
	UploadedFiles int    `json:"uploaded_files"`
	SkippedFiles  int    `json:"skipped_files"`
	FailedFiles   int    `json:"failed_files"`
	CurrentPhase  string `json:"current_phase,omitempty"`
	CurrentStep   string `json:"current_step,omitempty"`
}

// Session is the persisted state of one upload run.
type Session struct {
	ID             string            `json:"id"`
	ProviderID     string            `json:"provider_id"`
	Status         Status            `json:"status"`
	URLs           []string          `json:"urls,omitempty"`
	ExportTypes    []string          `json:"export_types,omitempty"`
	Progress       Progress          `json:"progress"`
	Uploaded       []FileRecord      `json:"uploaded,omitempty"`
	Failed         []string          `json:"failed,omitempty"`
	CompletedSteps []string          `json:"completed_steps,omitempty"`
	WorkflowState  map[string]any    `json:"workflow_state,omitempty"`
	Manifest       manifest.Manifest `json:"manifest,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ProgressUpdate overwrites individual progress counters. Nil fields leave
// the stored counter untouched.
type ProgressUpdate struct {
	TotalFiles    *int    `json:"total_files,omitempty"`
	UploadedFiles *int    `json:"uploaded_files,omitempty"`
	SkippedFiles  *int    `json:"skipped_files,omitempty"`
	FailedFiles   *int    `json:"failed_files,omitempty"`
	CurrentPhase  *string `json:"current_phase,omitempty"`
	CurrentStep   *string `json:"current_step,omitempty"`
}

// Update describes a partial change to a session. Each field has its own
// merge rule:
//
//   - Progress counters overwrite field by field
//   - Uploaded and Failed append
//   - CompletedSteps unions, preserving first-seen order
//   - WorkflowState merges key by key, new values winning
//   - Manifest and Status replace wholesale
type Update struct {
	Status         *Status
	Progress       *ProgressUpdate
	Uploaded       []FileRecord
	Failed         []string
	CompletedSteps []string
	WorkflowState  map[string]any
	Manifest       manifest.Manifest
	FailureReason  *string
}

// newID builds a sortable session identifier from the creation time plus a
// random base36 suffix to break ties.
func newID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), strconv.FormatUint(rand.Uint64()%(36*36*36*36*36*36), 36))
}

func apply(s *Session, u Update, now time.Time) {
	if u.Progress != nil {
		p := u.Progress
		if p.TotalFiles != nil {
			s.Progress.TotalFiles = *p.TotalFiles
		}
		if p.UploadedFiles != nil {
			s.Progress.UploadedFiles = *p.UploadedFiles
		}
		if p.SkippedFiles != nil {
			s.Progress.SkippedFiles = *p.SkippedFiles
		}
		if p.FailedFiles != nil {
			s.Progress.FailedFiles = *p.FailedFiles
		}
		if p.CurrentPhase != nil {
			s.Progress.CurrentPhase = *p.CurrentPhase
		}
		if p.CurrentStep != nil {
			s.Progress.CurrentStep = *p.CurrentStep
		}
	}

	s.Uploaded = append(s.Uploaded, u.Uploaded...)
	s.Failed = append(s.Failed, u.Failed...)

	if len(u.CompletedSteps) > 0 {
		seen := make(map[string]struct{}, len(s.CompletedSteps))
		for _, step := range s.CompletedSteps {
			seen[step] = struct{}{}
		}
		for _, step := range u.CompletedSteps {
			if _, ok := seen[step]; !ok {
				s.CompletedSteps = append(s.CompletedSteps, step)
				seen[step] = struct{}{}
			}
		}
	}

	if u.WorkflowState != nil {
		if s.WorkflowState == nil {
			s.WorkflowState = make(map[string]any, len(u.WorkflowState))
		}
		for k, v := range u.WorkflowState {
			s.WorkflowState[k] = v
		}
	}

	if u.Manifest != nil {
		s.Manifest = u.Manifest
	}
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.FailureReason != nil {
		s.FailureReason = *u.FailureReason
	}

	s.UpdatedAt = now
}
