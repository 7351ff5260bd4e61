package result

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/triage/internal/models"
)

func TestParse_Scope(t *testing.T) {
	raw := `{
		"summary": "Null deref in the config loader",
		"plan": ["Add nil check", "Add regression test"],
		"risk_level": "Low",
		"est_effort_hours": 1.5,
		"confidence": 0.8,
		"extra": "ignored"
	}`

	res, err := Parse(models.PhaseScope, []byte(raw))
	require.NoError(t, err)

	o, ok := res.Outcome.(*models.ScopeOutcome)
	require.True(t, ok)
	assert.Equal(t, "Null deref in the config loader", o.Summary)
	assert.Equal(t, []string{"Add nil check", "Add regression test"}, o.Plan)
	assert.Equal(t, models.RiskLow, o.Risk)
	assert.Equal(t, 1.5, o.EffortHours)
	assert.Equal(t, 0.8, o.Confidence)
	assert.Empty(t, res.Adjustments)
}

func TestParse_ClampsConfidence(t *testing.T) {
	res, err := Parse(models.PhaseScope, []byte(`{"summary":"x","plan":[],"risk_level":"high","est_effort_hours":-2,"confidence":1.5}`))
	require.NoError(t, err)

	o := res.Outcome.(*models.ScopeOutcome)
	assert.Equal(t, 1.0, o.Confidence)
	assert.Equal(t, 0.0, o.EffortHours)

	clamped := res.Filter(Clamped)
	require.Len(t, clamped, 2)
	assert.Equal(t, Adjustment{Field: "est_effort_hours", Kind: Clamped, From: -2.0, To: 0.0}, clamped[0])
	assert.Equal(t, Adjustment{Field: "confidence", Kind: Clamped, From: 1.5, To: 1.0}, clamped[1])
}

func TestParse_ClampsInfinities(t *testing.T) {
	res, err := Parse(models.PhaseScope, []byte(`{"summary":"x","plan":[],"risk_level":"low","est_effort_hours":"Infinity","confidence":"-Inf"}`))
	require.NoError(t, err)

	o := res.Outcome.(*models.ScopeOutcome)
	assert.Equal(t, float64(MaxEffortHours), o.EffortHours)
	assert.Equal(t, 0.0, o.Confidence)
	assert.Equal(t, []Adjustment{
		{Field: "est_effort_hours", Kind: Clamped, From: "Infinity", To: float64(MaxEffortHours)},
		{Field: "confidence", Kind: Clamped, From: "-Inf", To: 0.0},
	}, res.Filter(Clamped))

	// Both the outcome and the adjustments must encode.
	_, err = json.Marshal(o)
	require.NoError(t, err)
	_, err = json.Marshal(res.Adjustments)
	require.NoError(t, err)
}

func TestParse_InfiniteCountsClamp(t *testing.T) {
	res, err := Parse(models.PhaseExec, []byte(`{"status":"done","tests_passed":"+Inf","tests_failed":"-Infinity"}`))
	require.NoError(t, err)

	o := res.Outcome.(*models.ExecOutcome)
	assert.Equal(t, math.MaxInt32, o.TestsPassed)
	assert.Equal(t, 0, o.TestsFailed)
}

func TestParse_CoercesStrings(t *testing.T) {
	res, err := Parse(models.PhaseScope, []byte(`{"summary":"x","plan":"step one\n\nstep two","risk_level":"medium","est_effort_hours":"3","confidence":"0.25"}`))
	require.NoError(t, err)

	o := res.Outcome.(*models.ScopeOutcome)
	assert.Equal(t, []string{"step one", "step two"}, o.Plan)
	assert.Equal(t, 3.0, o.EffortHours)
	assert.Equal(t, 0.25, o.Confidence)
}

func TestParse_DefaultsUnknownRisk(t *testing.T) {
	res, err := Parse(models.PhaseScope, []byte(`{"summary":"x","risk_level":"extreme","confidence":0.5,"est_effort_hours":1}`))
	require.NoError(t, err)

	o := res.Outcome.(*models.ScopeOutcome)
	assert.Equal(t, models.RiskMedium, o.Risk)
	assert.Equal(t, []string{}, o.Plan)

	defaulted := res.Filter(Defaulted)
	require.Len(t, defaulted, 1)
	assert.Equal(t, "risk_level", defaulted[0].Field)
}

func TestParse_DoubleEncoded(t *testing.T) {
	res, err := Parse(models.PhaseScope, []byte(`"{\"summary\":\"wrapped\",\"confidence\":0.4}"`))
	require.NoError(t, err)
	assert.Equal(t, "wrapped", res.Outcome.(*models.ScopeOutcome).Summary)
}

func TestParse_Exec(t *testing.T) {
	res, err := Parse(models.PhaseExec, []byte(`{"status":"completed","branch":"fix-issue-7-crash","pr_url":"https://github.com/acme/widgets/pull/9","tests_passed":12,"tests_failed":"0"}`))
	require.NoError(t, err)

	o := res.Outcome.(*models.ExecOutcome)
	assert.Equal(t, models.ExecStatusDone, o.Status)
	assert.Equal(t, "fix-issue-7-crash", o.Branch)
	assert.Equal(t, "https://github.com/acme/widgets/pull/9", o.PRURL)
	assert.Equal(t, 12, o.TestsPassed)
	assert.Equal(t, 0, o.TestsFailed)
	assert.Empty(t, res.Adjustments)
}

func TestParse_ExecDefaults(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantStatus models.ExecStatus
		wantBranch string
		wantPR     string
	}{
		{"blocked maps to in progress", `{"status":"blocked"}`, models.ExecStatusInProgress, models.Pending, models.Pending},
		{"error maps to failed", `{"status":"error","branch":"b"}`, models.ExecStatusFailed, "b", models.Pending},
		{"missing status with PR is done", `{"pr_url":"https://x/pull/1"}`, models.ExecStatusDone, models.Pending, "https://x/pull/1"},
		{"missing status without PR", `{"branch":"b","tests_passed":1}`, models.ExecStatusInProgress, "b", models.Pending},
		{"unknown status", `{"status":"weird","branch":"b"}`, models.ExecStatusInProgress, "b", models.Pending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Parse(models.PhaseExec, []byte(tt.raw))
			require.NoError(t, err)
			o := res.Outcome.(*models.ExecOutcome)
			assert.Equal(t, tt.wantStatus, o.Status)
			assert.Equal(t, tt.wantBranch, o.Branch)
			assert.Equal(t, tt.wantPR, o.PRURL)
		})
	}
}

func TestParse_ClampsNegativeTestCounts(t *testing.T) {
	res, err := Parse(models.PhaseExec, []byte(`{"status":"done","branch":"b","pr_url":"u","tests_passed":-1,"tests_failed":2}`))
	require.NoError(t, err)

	o := res.Outcome.(*models.ExecOutcome)
	assert.Equal(t, 0, o.TestsPassed)
	assert.Equal(t, 2, o.TestsFailed)
	require.Len(t, res.Filter(Clamped), 1)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		phase models.Phase
		raw   string
	}{
		{"empty", models.PhaseScope, ``},
		{"not json", models.PhaseScope, `{summary`},
		{"array", models.PhaseScope, `[1,2]`},
		{"number", models.PhaseExec, `42`},
		{"string holding garbage", models.PhaseExec, `"nope"`},
		{"wrong phase fields", models.PhaseExec, `{"summary":"x","plan":[]}`},
		{"only unknown keys", models.PhaseScope, `{"foo":1}`},
		{"null fields", models.PhaseScope, `{"summary":null}`},
		{"unknown phase", models.Phase("deploy"), `{"summary":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Parse(tt.phase, []byte(tt.raw))
			require.Error(t, err)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrParse)

			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.raw, string(pe.Raw))
		})
	}
}

func TestParse_NeverPanics(t *testing.T) {
	inputs := []string{
		`{"plan":{"a":1}}`,
		`{"confidence":true,"summary":[]}`,
		`{"confidence":"NaN"}`,
		`{"tests_passed":{"x":1},"status":7}`,
		`{"est_effort_hours":1e400}`,
		`"\"\""`,
	}
	for _, in := range inputs {
		for _, phase := range []models.Phase{models.PhaseScope, models.PhaseExec} {
			assert.NotPanics(t, func() { _, _ = Parse(phase, []byte(in)) }, "%s %s", phase, in)
		}
	}
}
