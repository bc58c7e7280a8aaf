package agentloop

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/martinemde/codeagent/unifiedllm"
)

// Status is the lifecycle status of a run.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// StopReason says why a run stopped. These seven values are the only ones.
type StopReason string

const (
	StopLLMDone        StopReason = "llm_done"
	StopMaxSteps       StopReason = "max_steps"
	StopBudgetExceeded StopReason = "budget_exceeded"
	StopContextFull    StopReason = "context_full"
	StopTimeout        StopReason = "timeout"
	StopUserInterrupt  StopReason = "user_interrupt"
	StopLLMError       StopReason = "llm_error"
)

var stopReasons = map[StopReason]bool{
	StopLLMDone:        true,
	StopMaxSteps:       true,
	StopBudgetExceeded: true,
	StopContextFull:    true,
	StopTimeout:        true,
	StopUserInterrupt:  true,
	StopLLMError:       true,
}

// Valid reports whether r is one of the seven stop reasons.
func (r StopReason) Valid() bool { return stopReasons[r] }

// UnmarshalJSON rejects unknown stop reasons.
func (r *StopReason) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if !StopReason(s).Valid() {
		return fmt.Errorf("unknown stop reason %q", s)
	}
	*r = StopReason(s)
	return nil
}

// ToolCallResult is one executed tool invocation.
type ToolCallResult struct {
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Success   bool           `json:"success"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Confirmed bool           `json:"confirmed,omitempty"` // a confirmation gate applied
	DryRun    bool           `json:"dry_run,omitempty"`
	Duration  time.Duration  `json:"duration_ns"`
}

// Content is the text fed back to the model.
func (r ToolCallResult) Content() string {
	if r.Success {
		return r.Output
	}
	return r.Error
}

// StepRecord holds the tool results of one step.
type StepRecord struct {
	Step    int              `json:"step"`
	Results []ToolCallResult `json:"results"`
}

// State is the run record. It is mutated only by the loop goroutine and is
// read-only once Run returns.
type State struct {
	RunID       string           `json:"run_id"`
	Model       string           `json:"model,omitempty"`
	Step        int              `json:"step"`
	Status      Status           `json:"status"`
	StopReason  *StopReason      `json:"stop_reason"`
	FinalOutput string           `json:"final_output"`
	Steps       []StepRecord     `json:"steps"`
	Usage       unifiedllm.Usage `json:"usage"`
	CostUSD     float64          `json:"cost_usd"`
	LLMCalls    int              `json:"llm_calls"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	Error       string           `json:"error,omitempty"`

	// Err is the LLM error behind a failed run.
	Err error `json:"-"`
}

func newState(runID, model string, now time.Time) *State {
	return &State{
		RunID:     runID,
		Model:     model,
		Status:    StatusRunning,
		Steps:     []StepRecord{},
		StartedAt: now,
	}
}

func (s *State) finish(status Status, reason StopReason, output string, now time.Time) {
	s.Status = status
	r := reason
	s.StopReason = &r
	s.FinalOutput = output
	s.FinishedAt = now
}

// Reason returns the stop reason, or "" while running.
func (s *State) Reason() StopReason {
	if s.StopReason == nil {
		return ""
	}
	return *s.StopReason
}
