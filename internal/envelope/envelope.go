// Package envelope defines the wire-level message and result types the
// Workflow Dispatch Core reads from and publishes to its queues, following
// the same self-describing payload convention every processor in this
// codebase uses: each payload exposes Schema() and Validate() and registers
// itself at init(). The dispatcher does not decode bodies through these
// registrations: it routes on Raw.Type() and hands Raw.Body to the handler.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
)

// Message body type discriminators, the closed set from the queue
// configuration table.
const (
	TypeRuleUpdate            = "rule_update"
	TypeLLMConfigUpdate       = "llm_config_update"
	TypeCodeExecutionRequest  = "code_execution_request"
)

// Raw is a substrate-level read: an undecoded body plus the fields the
// Dispatch Core needs before it can even look the message up in the router.
type Raw struct {
	MsgID     string
	Queue     string
	Body      map[string]any
	ReadCount int
}

// Type returns the body's "type" discriminator, or "" if missing/non-string.
func (r *Raw) Type() string {
	v, _ := r.Body["type"].(string)
	return v
}

// WorkflowID returns the body's "id" field, or "" if missing/non-string.
// The Dispatch Core generates one when this is empty.
func (r *Raw) WorkflowID() string {
	v, _ := r.Body["id"].(string)
	return v
}

// RuleUpdatePayload is the body of a rule_update message.
type RuleUpdatePayload struct {
	ID     string         `json:"id"`
	Rule   string         `json:"rule"`
	Action string         `json:"action"`
	Detail map[string]any `json:"detail,omitempty"`
}

var ruleUpdateType = message.Type{Domain: "dispatch", Category: "rule-update", Version: "v1"}

func (p *RuleUpdatePayload) Schema() message.Type { return ruleUpdateType }

func (p *RuleUpdatePayload) Validate() error {
	if p.Rule == "" {
		return fmt.Errorf("rule is required")
	}
	return nil
}

func (p *RuleUpdatePayload) MarshalJSON() ([]byte, error) {
	type Alias RuleUpdatePayload
	return json.Marshal((*Alias)(p))
}

func (p *RuleUpdatePayload) UnmarshalJSON(data []byte) error {
	type Alias RuleUpdatePayload
	return json.Unmarshal(data, (*Alias)(p))
}

// LLMConfigUpdatePayload is the registered llm_config_update payload type. It
// carries a model registry update and the approval token authorizing it,
// since applying a model config is a side-effectful operation. The
// llm-config-manager handler does not decode bodies through it: it reads
// approval_token, capabilities, endpoints and default_model from the top
// level of the body and ignores model_registry.
type LLMConfigUpdatePayload struct {
	ID             string          `json:"id"`
	ApprovalToken  string          `json:"approval_token,omitempty"`
	ModelRegistry  json.RawMessage `json:"model_registry"`
	DryRun         bool            `json:"dry_run,omitempty"`
}

var llmConfigUpdateType = message.Type{Domain: "dispatch", Category: "llm-config-update", Version: "v1"}

func (p *LLMConfigUpdatePayload) Schema() message.Type { return llmConfigUpdateType }

func (p *LLMConfigUpdatePayload) Validate() error {
	if len(p.ModelRegistry) == 0 {
		return fmt.Errorf("model_registry is required")
	}
	return nil
}

func (p *LLMConfigUpdatePayload) MarshalJSON() ([]byte, error) {
	type Alias LLMConfigUpdatePayload
	return json.Marshal((*Alias)(p))
}

func (p *LLMConfigUpdatePayload) UnmarshalJSON(data []byte) error {
	type Alias LLMConfigUpdatePayload
	return json.Unmarshal(data, (*Alias)(p))
}

// CodeExecutionRequestPayload is the body of a code_execution_request
// message.
type CodeExecutionRequestPayload struct {
	ID           string `json:"id"`
	Code         string `json:"code"`
	Language     string `json:"language"`
	AnalysisType string `json:"analysis_type,omitempty"`
}

var codeExecutionRequestType = message.Type{Domain: "dispatch", Category: "code-execution-request", Version: "v1"}

func (p *CodeExecutionRequestPayload) Schema() message.Type { return codeExecutionRequestType }

func (p *CodeExecutionRequestPayload) Validate() error {
	if p.Code == "" {
		return fmt.Errorf("code is required")
	}
	if p.Language == "" {
		return fmt.Errorf("language is required")
	}
	return nil
}

func (p *CodeExecutionRequestPayload) MarshalJSON() ([]byte, error) {
	type Alias CodeExecutionRequestPayload
	return json.Marshal((*Alias)(p))
}

func (p *CodeExecutionRequestPayload) UnmarshalJSON(data []byte) error {
	type Alias CodeExecutionRequestPayload
	return json.Unmarshal(data, (*Alias)(p))
}

func init() {
	register := func(category string, factory func() any) {
		if err := component.RegisterPayload(&component.PayloadRegistration{
			Domain:      "dispatch",
			Category:    category,
			Version:     "v1",
			Description: "Workflow Dispatch Core " + category + " message",
			Factory:     factory,
		}); err != nil {
			panic("register " + category + " payload: " + err.Error())
		}
	}

	register("rule-update", func() any { return &RuleUpdatePayload{} })
	register("llm-config-update", func() any { return &LLMConfigUpdatePayload{} })
	register("code-execution-request", func() any { return &CodeExecutionRequestPayload{} })
}

// ErrorDetail carries the error kind and human-readable detail published in
// a failure Result.
type ErrorDetail struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Result is the terminal success/failure envelope the Dispatch Core
// publishes to a routing entry's result queue.
type Result struct {
	WorkflowID   string       `json:"workflow_id"`
	SourceQueue  string       `json:"source_queue"`
	Status       string       `json:"status"` // "success" | "failed"
	Result       any          `json:"result,omitempty"`
	Error        *ErrorDetail `json:"error,omitempty"`
	Attempts     int          `json:"attempts"`
	ExecutionMS  int64        `json:"execution_ms"`
	Timestamp    string       `json:"timestamp"`
}

var resultType = message.Type{Domain: "dispatch", Category: "result", Version: "v1"}

func (r *Result) Schema() message.Type { return resultType }

func (r *Result) Validate() error {
	if r.WorkflowID == "" {
		return fmt.Errorf("workflow_id is required")
	}
	return nil
}

func (r *Result) MarshalJSON() ([]byte, error) {
	type Alias Result
	return json.Marshal((*Alias)(r))
}

func (r *Result) UnmarshalJSON(data []byte) error {
	type Alias Result
	return json.Unmarshal(data, (*Alias)(r))
}

// DLQEntry is the annotated body moved onto `<queue>_dlq` per the DLQ
// convention.
type DLQEntry struct {
	Reason          string          `json:"reason"`
	OriginalBody    json.RawMessage `json:"original_body"`
	OriginalMsgID   string          `json:"original_msg_id"`
}

var dlqEntryType = message.Type{Domain: "dispatch", Category: "dlq-entry", Version: "v1"}

func (d *DLQEntry) Schema() message.Type { return dlqEntryType }

func (d *DLQEntry) Validate() error {
	if d.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	return nil
}

func (d *DLQEntry) MarshalJSON() ([]byte, error) {
	type Alias DLQEntry
	return json.Marshal((*Alias)(d))
}

func (d *DLQEntry) UnmarshalJSON(data []byte) error {
	type Alias DLQEntry
	return json.Unmarshal(data, (*Alias)(d))
}

func init() {
	if err := component.RegisterPayload(&component.PayloadRegistration{
		Domain:      "dispatch",
		Category:    "result",
		Version:     "v1",
		Description: "Workflow Dispatch Core terminal result envelope",
		Factory:     func() any { return &Result{} },
	}); err != nil {
		panic("register result payload: " + err.Error())
	}
	if err := component.RegisterPayload(&component.PayloadRegistration{
		Domain:      "dispatch",
		Category:    "dlq-entry",
		Version:     "v1",
		Description: "Workflow Dispatch Core dead-letter annotation",
		Factory:     func() any { return &DLQEntry{} },
	}); err != nil {
		panic("register dlq-entry payload: " + err.Error())
	}
}
