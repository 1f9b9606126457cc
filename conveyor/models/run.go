package models

import (
	"maps"
	"slices"
	"time"
)

type RunStatus string

var (
	RunPending  RunStatus = "pending"
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunFailed   RunStatus = "failed"
	RunCanceled RunStatus = "canceled"
)

func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunCanceled:
		return true
	}
	return false
}

func (s RunStatus) IsActive() bool {
	return s == RunPending || s == RunRunning
}

var TerminalStatuses = []RunStatus{RunSuccess, RunFailed, RunCanceled}

// TriggerPayload describes the event that caused a run.
type TriggerPayload struct {
	Kind     TriggerKind       `json:"kind"`
	Ref      string            `json:"ref,omitempty"`
	Sha      string            `json:"sha,omitempty"`
	Actor    string            `json:"actor,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type Run struct {
	Id          string         `json:"id"`
	PipelineId  string         `json:"pipeline_id"`
	Status      RunStatus      `json:"status"`
	Trigger     TriggerPayload `json:"trigger"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Logs        []string       `json:"logs"`
	Artifacts   []string       `json:"artifacts"`

	// only if Failed
	Error string `json:"error,omitempty"`
}

func (r *Run) Clone() *Run {
	c := *r
	c.Logs = slices.Clone(r.Logs)
	c.Artifacts = slices.Clone(r.Artifacts)
	c.Trigger.Metadata = maps.Clone(r.Trigger.Metadata)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if c.Logs == nil {
		c.Logs = []string{}
	}
	if c.Artifacts == nil {
		c.Artifacts = []string{}
	}
	return &c
}

func (r *Run) AppendLog(line string) {
	r.Logs = append(r.Logs, line)
}

// AddArtifact records id in the artifact set; duplicates are ignored.
func (r *Run) AddArtifact(id string) {
	if slices.Contains(r.Artifacts, id) {
		return
	}
	r.Artifacts = append(r.Artifacts, id)
}

// Finish moves the run into a terminal status and stamps the completion
// time. It reports false when the run was already terminal.
func (r *Run) Finish(status RunStatus, at time.Time) bool {
	if r.Status.IsTerminal() || !status.IsTerminal() {
		return false
	}
	if at.Before(r.StartedAt) {
		at = r.StartedAt
	}
	r.Status = status
	r.CompletedAt = &at
	return true
}

// Duration is zero for runs that have not completed.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
