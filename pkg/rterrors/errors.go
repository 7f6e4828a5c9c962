// Package rterrors defines the runtime's error taxonomy.
//
// Every error kind follows the registry-error convention used elsewhere in
// this codebase (see pkg/registry, agent/registry.go in the wider tree):
// a struct carrying Component/Action/Message plus an optional wrapped
// cause, with Error() and Unwrap() so callers can use errors.Is/As.
package rterrors

import "fmt"

// Kind identifies a taxonomy bucket from the error handling design.
type Kind string

const (
	KindConfiguration   Kind = "configuration_error"
	KindUnknownRef       Kind = "unknown_ref"
	KindUnknownEntry     Kind = "unknown_entry"
	KindUnknownToolset   Kind = "unknown_toolset"
	KindMaxDepthExceeded Kind = "max_depth_exceeded"
	KindIncompatibleModel Kind = "incompatible_model"
	KindPermissionDenied Kind = "permission_denied"
	KindToolExecution    Kind = "tool_execution_error"
	KindInputValidation  Kind = "input_validation_error"
	KindCancellation     Kind = "cancellation_error"
	KindTransport        Kind = "transport_error"
)

// RuntimeError is the common shape for every taxonomy member.
type RuntimeError struct {
	Kind      Kind
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *RuntimeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

func newErr(kind Kind, component, action, message string, err error) *RuntimeError {
	return &RuntimeError{Kind: kind, Component: component, Action: action, Message: message, Err: err}
}

// ConfigurationError reports a malformed manifest/agent file, a duplicate
// name, an unresolved reference, or an invalid model-compatibility
// pattern. Fatal at build time.
type ConfigurationError struct{ *RuntimeError }

func NewConfigurationError(action, message string, err error) *ConfigurationError {
	return &ConfigurationError{newErr(KindConfiguration, "registry", action, message, err)}
}

// DuplicateNameError reports a name collision across agents, tools, and
// toolsets during the registry builder's collection pass (spec §4.3, §8
// invariant 7).
type DuplicateNameError struct {
	*RuntimeError
	Name    string
	Sources []string
}

func NewDuplicateNameError(name string, sources []string) *DuplicateNameError {
	return &DuplicateNameError{
		RuntimeError: newErr(KindConfiguration, "registry", "collect", fmt.Sprintf("duplicate name %q", name), nil),
		Name:         name,
		Sources:      sources,
	}
}

// UnknownRefError reports a lookup failure for a `module:symbol` reference.
type UnknownRefError struct{ *RuntimeError }

func NewUnknownRefError(ref string, err error) *UnknownRefError {
	return &UnknownRefError{newErr(KindUnknownRef, "refresolver", "resolve", fmt.Sprintf("unknown reference %q", ref), err)}
}

// AmbiguousRefError reports a module ref and a path ref resolving to
// conflicting symbols for the same name (spec §4.1).
type AmbiguousRefError struct{ *RuntimeError }

func NewAmbiguousRefError(ref string) *AmbiguousRefError {
	return &AmbiguousRefError{newErr(KindUnknownRef, "refresolver", "resolve", fmt.Sprintf("ambiguous reference %q", ref), nil)}
}

// UnknownEntryError reports a lookup failure for a named entry.
type UnknownEntryError struct{ *RuntimeError }

func NewUnknownEntryError(name string) *UnknownEntryError {
	return &UnknownEntryError{newErr(KindUnknownEntry, "catalog", "lookup", fmt.Sprintf("unknown entry %q", name), nil)}
}

// UnknownToolsetError reports a lookup failure for a named toolset.
type UnknownToolsetError struct{ *RuntimeError }

func NewUnknownToolsetError(name string) *UnknownToolsetError {
	return &UnknownToolsetError{newErr(KindUnknownToolset, "catalog", "lookup", fmt.Sprintf("unknown toolset %q", name), nil)}
}

// MaxDepthExceededError reports the scheduler refusing a delegation past
// max_depth (spec §4.5 step 4, §7).
type MaxDepthExceededError struct {
	*RuntimeError
	Caller string
	Callee string
	Depth  int
	Max    int
}

func NewMaxDepthExceededError(caller, callee string, depth, max int) *MaxDepthExceededError {
	msg := fmt.Sprintf("depth %d exceeds max %d calling %q from %q", depth, max, callee, caller)
	return &MaxDepthExceededError{
		RuntimeError: newErr(KindMaxDepthExceeded, "scheduler", "dispatch", msg, nil),
		Caller:       caller,
		Callee:       callee,
		Depth:        depth,
		Max:          max,
	}
}

// IncompatibleModelError reports an effective model failing the callee's
// compatible_models patterns.
type IncompatibleModelError struct {
	*RuntimeError
	Agent   string
	Model   string
	Pattern []string
}

func NewIncompatibleModelError(agent, model string, patterns []string) *IncompatibleModelError {
	msg := fmt.Sprintf("model %q incompatible with agent %q (patterns: %v)", model, agent, patterns)
	return &IncompatibleModelError{
		RuntimeError: newErr(KindIncompatibleModel, "scheduler", "dispatch", msg, nil),
		Agent:        agent,
		Model:        model,
		Pattern:      patterns,
	}
}

// PermissionDeniedError reports an approval callback returning Deny, when
// return_permission_errors=false (otherwise the denial becomes a
// structured tool result instead of this error; see pkg/toolset/approval).
type PermissionDeniedError struct {
	*RuntimeError
	Tool string
}

func NewPermissionDeniedError(toolName, description string) *PermissionDeniedError {
	return &PermissionDeniedError{
		RuntimeError: newErr(KindPermissionDenied, "approval", "deny", description, nil),
		Tool:         toolName,
	}
}

// ToolExecutionError wraps a failure raised by a toolset's call_tool. By
// default this surfaces as a structured {error,message} tool result; it is
// only fatal when Fatal is true (the toolset declared the error
// non-recoverable).
type ToolExecutionError struct {
	*RuntimeError
	Tool  string
	Fatal bool
}

func NewToolExecutionError(toolName string, fatal bool, err error) *ToolExecutionError {
	return &ToolExecutionError{
		RuntimeError: newErr(KindToolExecution, "toolset", "call_tool", fmt.Sprintf("tool %q failed", toolName), err),
		Tool:         toolName,
		Fatal:        fatal,
	}
}

// InputValidationError reports an agent call whose input does not conform
// to its declared input_schema.
type InputValidationError struct{ *RuntimeError }

func NewInputValidationError(agent string, err error) *InputValidationError {
	return &InputValidationError{newErr(KindInputValidation, "agentrunner", "validate", fmt.Sprintf("invalid input for agent %q", agent), err)}
}

// AttachmentUnavailableError reports a failure to materialize an
// attachment reference into a multimodal part (spec §4.4
// "AttachmentUnavailable{path}").
type AttachmentUnavailableError struct {
	*RuntimeError
	Path string
}

func NewAttachmentUnavailableError(path string, err error) *AttachmentUnavailableError {
	return &AttachmentUnavailableError{
		RuntimeError: newErr(KindInputValidation, "attachments", "resolve", fmt.Sprintf("attachment unavailable: %s", path), err),
		Path:         path,
	}
}

// CancellationError wraps context cancellation propagating up the frame
// stack. Never retried.
type CancellationError struct{ *RuntimeError }

func NewCancellationError(err error) *CancellationError {
	return &CancellationError{newErr(KindCancellation, "scheduler", "cancel", "run cancelled", err)}
}

// TransportError wraps a failure from the model provider. The core does
// not retry; it is surfaced as-is.
type TransportError struct{ *RuntimeError }

func NewTransportError(err error) *TransportError {
	return &TransportError{newErr(KindTransport, "agentrunner", "run", "model transport failure", err)}
}
