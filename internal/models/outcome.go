package models

import (
	"encoding/json"
	"fmt"
)

// Pending is the placeholder for execution fields the agent has not reported.
const Pending = "pending"

// Outcome is the phase-specific result attached to a session. The only
// implementations are *ScopeOutcome and *ExecOutcome.
type Outcome interface {
	Phase() Phase
	isOutcome()
}

// RiskLevel is the agent's assessment of how risky a change is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ScopeOutcome is the structured result of a scoping session.
type ScopeOutcome struct {
	Summary     string    `json:"summary"`
	Plan        []string  `json:"plan"`
	Risk        RiskLevel `json:"risk_level"`
	EffortHours float64   `json:"est_effort_hours"`
	Confidence  float64   `json:"confidence"`
}

func (*ScopeOutcome) Phase() Phase { return PhaseScope }
func (*ScopeOutcome) isOutcome()   {}

// ExecStatus is the agent-reported state of an execution.
type ExecStatus string

const (
	ExecStatusDone       ExecStatus = "done"
	ExecStatusFailed     ExecStatus = "failed"
	ExecStatusInProgress ExecStatus = "in_progress"
)

// ExecOutcome is the structured result of an execution session.
type ExecOutcome struct {
	Status      ExecStatus `json:"status"`
	Branch      string     `json:"branch"`
	PRURL       string     `json:"pr_url"`
	TestsPassed int        `json:"tests_passed"`
	TestsFailed int        `json:"tests_failed"`
}

func (*ExecOutcome) Phase() Phase { return PhaseExec }
func (*ExecOutcome) isOutcome()   {}

// DecodeOutcome decodes a stored outcome into the shape for phase.
// Empty input decodes to a nil outcome.
func DecodeOutcome(phase Phase, data []byte) (Outcome, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	switch phase {
	case PhaseScope:
		var o ScopeOutcome
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("decode scope outcome: %w", err)
		}
		return &o, nil
	case PhaseExec:
		var o ExecOutcome
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("decode exec outcome: %w", err)
		}
		return &o, nil
	}
	return nil, fmt.Errorf("decode outcome: unknown phase %q", phase)
}

// CloneOutcome deep-copies o.
func CloneOutcome(o Outcome) Outcome {
	switch v := o.(type) {
	case *ScopeOutcome:
		c := *v
		c.Plan = append([]string(nil), v.Plan...)
		return &c
	case *ExecOutcome:
		c := *v
		return &c
	}
	return nil
}
