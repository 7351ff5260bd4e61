// Package result turns the structured output of an agent session into a typed
// outcome.
package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cast"

	"github.com/joescharf/triage/internal/models"
)

// ErrParse is matched by every *ParseError.
var ErrParse = errors.New("unparseable agent output")

// ParseError reports output that carries none of the fields expected for its
// phase. Raw is the payload as received.
type ParseError struct {
	Phase  models.Phase
	Raw    json.RawMessage
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s output: %s", e.Phase, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrParse }

// AdjustmentKind says how a field was changed from what the agent reported.
type AdjustmentKind string

const (
	Clamped   AdjustmentKind = "clamped"
	Defaulted AdjustmentKind = "defaulted"
)

// Adjustment records one field the parser had to fix up.
type Adjustment struct {
	Field string         `json:"field"`
	Kind  AdjustmentKind `json:"kind"`
	From  any            `json:"from,omitempty"`
	To    any            `json:"to"`
}

// Result is a parsed outcome plus the adjustments made to produce it.
type Result struct {
	Outcome     models.Outcome
	Adjustments []Adjustment
}

// Filter returns the adjustments of one kind.
func (r *Result) Filter(kind AdjustmentKind) []Adjustment {
	var out []Adjustment
	for _, a := range r.Adjustments {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// MaxEffortHours caps est_effort_hours.
const MaxEffortHours = 10000

var (
	scopeFields = []string{"summary", "plan", "risk_level", "est_effort_hours", "confidence"}
	execFields  = []string{"status", "branch", "pr_url", "tests_passed", "tests_failed"}
)

// Parse decodes raw into the outcome shape for phase. raw may be a JSON object
// or a JSON string holding one. Unknown keys are ignored, numbers given as
// strings are coerced, out-of-range values are clamped and missing optional
// values defaulted; each such change is listed in Result.Adjustments.
func Parse(phase models.Phase, raw []byte) (*Result, error) {
	fail := func(reason string) error {
		return &ParseError{Phase: phase, Raw: append(json.RawMessage(nil), raw...), Reason: reason}
	}

	if !phase.Valid() {
		return nil, fail(fmt.Sprintf("unknown phase %q", phase))
	}

	obj, err := decodeObject(raw)
	if err != nil {
		return nil, fail(err.Error())
	}

	known := scopeFields
	if phase == models.PhaseExec {
		known = execFields
	}
	if !hasAny(obj, known) {
		return nil, fail(fmt.Sprintf("none of %s present", strings.Join(known, ", ")))
	}

	p := &parser{obj: obj}
	var outcome models.Outcome
	if phase == models.PhaseScope {
		outcome = p.scope()
	} else {
		outcome = p.exec()
	}
	return &Result{Outcome: outcome, Adjustments: p.adj}, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, errors.New("empty output")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}
	// Agents sometimes return the object encoded as a JSON string.
	if s, ok := v.(string); ok {
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("string output is not JSON: %v", err)
		}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected an object, got %T", v)
	}
	return obj, nil
}

func hasAny(obj map[string]any, keys []string) bool {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return true
		}
	}
	return false
}

type parser struct {
	obj map[string]any
	adj []Adjustment
}

func (p *parser) note(field string, kind AdjustmentKind, from, to any) {
	p.adj = append(p.adj, Adjustment{Field: field, Kind: kind, From: from, To: to})
}

func (p *parser) scope() *models.ScopeOutcome {
	o := &models.ScopeOutcome{
		Summary: strings.TrimSpace(cast.ToString(p.obj["summary"])),
		Plan:    p.plan(),
	}

	raw, ok := p.obj["risk_level"]
	risk := models.RiskLevel(strings.ToLower(strings.TrimSpace(cast.ToString(raw))))
	switch risk {
	case models.RiskLow, models.RiskMedium, models.RiskHigh:
		o.Risk = risk
	default:
		o.Risk = models.RiskMedium
		p.note("risk_level", Defaulted, from(raw, ok), o.Risk)
	}

	o.EffortHours = p.float("est_effort_hours", 0, MaxEffortHours)
	o.Confidence = p.float("confidence", 0, 1)
	return o
}

func (p *parser) plan() []string {
	raw, ok := p.obj["plan"]
	if !ok || raw == nil {
		return []string{}
	}
	var steps []string
	if s, isString := raw.(string); isString {
		steps = strings.Split(s, "\n")
	} else {
		var err error
		steps, err = cast.ToStringSliceE(raw)
		if err != nil {
			p.note("plan", Defaulted, raw, []string{})
			return []string{}
		}
	}
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p *parser) exec() *models.ExecOutcome {
	o := &models.ExecOutcome{
		Branch:      p.text("branch"),
		PRURL:       p.text("pr_url"),
		TestsPassed: p.count("tests_passed"),
		TestsFailed: p.count("tests_failed"),
	}

	raw, ok := p.obj["status"]
	status, known := normalizeExecStatus(cast.ToString(raw))
	switch {
	case ok && raw != nil && known:
		o.Status = status
	case ok && raw != nil:
		o.Status = models.ExecStatusInProgress
		p.note("status", Defaulted, raw, o.Status)
	default:
		o.Status = models.ExecStatusInProgress
		if o.PRURL != models.Pending {
			o.Status = models.ExecStatusDone
		}
		p.note("status", Defaulted, nil, o.Status)
	}
	return o
}

func normalizeExecStatus(s string) (models.ExecStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "done", "completed", "complete", "success", "succeeded":
		return models.ExecStatusDone, true
	case "failed", "failure", "error":
		return models.ExecStatusFailed, true
	case "in_progress", "in-progress", "running", "blocked":
		return models.ExecStatusInProgress, true
	}
	return models.ExecStatusInProgress, false
}

// text returns a trimmed string field, defaulting to "pending".
func (p *parser) text(field string) string {
	raw, ok := p.obj[field]
	s := strings.TrimSpace(cast.ToString(raw))
	if s == "" {
		p.note(field, Defaulted, from(raw, ok), models.Pending)
		return models.Pending
	}
	return s
}

// float returns a numeric field clamped to [lo, hi], defaulting to lo. The
// result is always finite.
func (p *parser) float(field string, lo, hi float64) float64 {
	raw, ok := p.obj[field]
	if !ok || raw == nil {
		p.note(field, Defaulted, nil, lo)
		return lo
	}
	v, err := cast.ToFloat64E(strings.TrimSpace(cast.ToString(raw)))
	if err != nil || math.IsNaN(v) {
		p.note(field, Defaulted, raw, lo)
		return lo
	}
	// Infinities record the raw text; JSON cannot encode them.
	switch {
	case math.IsInf(v, 1):
		p.note(field, Clamped, raw, hi)
		return hi
	case math.IsInf(v, -1):
		p.note(field, Clamped, raw, lo)
		return lo
	case v < lo:
		p.note(field, Clamped, v, lo)
		return lo
	case v > hi:
		p.note(field, Clamped, v, hi)
		return hi
	}
	return v
}

// count returns a non-negative integer field, defaulting to zero.
func (p *parser) count(field string) int {
	v := p.float(field, 0, math.MaxInt32)
	return int(math.Round(v))
}

func from(raw any, present bool) any {
	if !present {
		return nil
	}
	return raw
}
