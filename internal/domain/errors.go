package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
)

// Validation errors. A module that fails any of these is never instantiated.
var (
	ErrNotAModule         = fmt.Errorf("not a webassembly module")
	ErrCompileFailed      = fmt.Errorf("module compilation failed")
	ErrMissingExport      = fmt.Errorf("missing or mismatched export")
	ErrUnsupportedImport  = fmt.Errorf("unsupported import")
	ErrInvalidMetadata    = fmt.Errorf("invalid plugin metadata")
	ErrInvalidLimits      = fmt.Errorf("invalid resource limits: %w", ErrInvalidInput)
	ErrCapabilityRejected = fmt.Errorf("capability rejected by policy: %w", ErrPermissionDenied)
	ErrPathOutsideSandbox = fmt.Errorf("path is outside sandbox boundary: %w", ErrPermissionDenied)
	ErrPrivateNetwork     = fmt.Errorf("private or reserved network address: %w", ErrPermissionDenied)
)

// Lifecycle errors.
var (
	ErrCapacityExceeded = fmt.Errorf("plugin capacity exceeded: %w", ErrLimitReached)
	ErrBusy             = fmt.Errorf("plugin busy")
	ErrInitFailed       = fmt.Errorf("plugin init failed")
	ErrInstanceUnusable = fmt.Errorf("plugin instance unusable")
	ErrSerialization    = fmt.Errorf("serialization failed")
	ErrEngineClosed     = fmt.Errorf("engine closed: %w", ErrDisabled)
)

// Runtime errors. Each of these leaves the instance corrupted.
var (
	ErrInstructionBudgetExceeded = fmt.Errorf("instruction budget exceeded")
	ErrTrapped                   = fmt.Errorf("guest trapped")
	ErrExecutionTimeout          = fmt.Errorf("guest execution: %w", ErrTimeout)
)

// Infrastructure errors.
var (
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrAuditWrite   = fmt.Errorf("audit log write failed")
	ErrJournalWrite = fmt.Errorf("execution journal write failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Validator.Validate")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "wasm", "registry"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Phase names the stage of the plugin lifecycle an error occurred in.
type Phase string

const (
	PhaseValidate Phase = "validate"
	PhaseLoad     Phase = "load"
	PhaseInit     Phase = "init"
	PhaseExecute  Phase = "execute"
	PhaseUnload   Phase = "unload"
)

// PluginError carries the plugin id and failing phase so callers can decide
// whether to unload and reload.
type PluginError struct {
	ID    string
	Phase Phase
	Err   error
}

func (e *PluginError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("plugin %s: %s", e.Phase, e.Err)
	}
	return fmt.Sprintf("plugin %s %s: %s", e.ID, e.Phase, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

// NewPluginError wraps err with plugin context. Returns nil if err is nil.
func NewPluginError(id string, phase Phase, err error) error {
	if err == nil {
		return nil
	}
	return &PluginError{ID: id, Phase: phase, Err: err}
}

// IsFatal reports whether err leaves a plugin instance corrupted.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrInstructionBudgetExceeded) ||
		errors.Is(err, ErrTrapped)
}

// IsValidationError reports whether err was produced while validating module bytes.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrNotAModule) ||
		errors.Is(err, ErrCompileFailed) ||
		errors.Is(err, ErrMissingExport) ||
		errors.Is(err, ErrUnsupportedImport)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrCapacityExceeded)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown                   ErrorCode = "UNKNOWN"
	CodeNotAModule                ErrorCode = "NOT_A_MODULE"
	CodeCompileFailed             ErrorCode = "COMPILE_FAILED"
	CodeMissingExport             ErrorCode = "MISSING_EXPORT"
	CodeUnsupportedImport         ErrorCode = "UNSUPPORTED_IMPORT"
	CodeInvalidMetadata           ErrorCode = "INVALID_METADATA"
	CodeInvalidLimits             ErrorCode = "INVALID_LIMITS"
	CodeCapabilityRejected        ErrorCode = "CAPABILITY_REJECTED"
	CodePathOutsideSandbox        ErrorCode = "PATH_OUTSIDE_SANDBOX"
	CodePrivateNetwork            ErrorCode = "PRIVATE_NETWORK"
	CodeCapacityExceeded          ErrorCode = "CAPACITY_EXCEEDED"
	CodeBusy                      ErrorCode = "BUSY"
	CodeInitFailed                ErrorCode = "INIT_FAILED"
	CodeInstanceUnusable          ErrorCode = "INSTANCE_UNUSABLE"
	CodeSerialization             ErrorCode = "SERIALIZATION"
	CodeEngineClosed              ErrorCode = "ENGINE_CLOSED"
	CodeInstructionBudgetExceeded ErrorCode = "INSTRUCTION_BUDGET_EXCEEDED"
	CodeTrapped                   ErrorCode = "TRAPPED"
	CodeExecutionTimeout          ErrorCode = "EXECUTION_TIMEOUT"
	CodeConfigLoad                ErrorCode = "CONFIG_LOAD"
	CodeAuditWrite                ErrorCode = "AUDIT_WRITE"
	CodeJournalWrite              ErrorCode = "JOURNAL_WRITE"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodePluginNotFound  ErrorCode = "PLUGIN_NOT_FOUND"
	CodePluginDuplicate ErrorCode = "PLUGIN_DUPLICATE"
	CodeWASMTimeout     ErrorCode = "WASM_TIMEOUT"
	CodeWASMCapability  ErrorCode = "WASM_CAPABILITY"
	CodeWASMLoad        ErrorCode = "WASM_LOAD"

	// Category error codes — fallback codes when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrDisabled:         CodeDisabled,
	ErrInvalidInput:     CodeInvalidInput,

	ErrNotAModule:                CodeNotAModule,
	ErrCompileFailed:             CodeCompileFailed,
	ErrMissingExport:             CodeMissingExport,
	ErrUnsupportedImport:         CodeUnsupportedImport,
	ErrInvalidMetadata:           CodeInvalidMetadata,
	ErrInvalidLimits:             CodeInvalidLimits,
	ErrCapabilityRejected:        CodeCapabilityRejected,
	ErrPathOutsideSandbox:        CodePathOutsideSandbox,
	ErrPrivateNetwork:            CodePrivateNetwork,
	ErrCapacityExceeded:          CodeCapacityExceeded,
	ErrBusy:                      CodeBusy,
	ErrInitFailed:                CodeInitFailed,
	ErrInstanceUnusable:          CodeInstanceUnusable,
	ErrSerialization:             CodeSerialization,
	ErrEngineClosed:              CodeEngineClosed,
	ErrInstructionBudgetExceeded: CodeInstructionBudgetExceeded,
	ErrTrapped:                   CodeTrapped,
	ErrExecutionTimeout:          CodeExecutionTimeout,
	ErrConfigLoad:                CodeConfigLoad,
	ErrAuditWrite:                CodeAuditWrite,
	ErrJournalWrite:              CodeJournalWrite,
}

// specificSentinels are checked before the category sentinels they wrap, so
// that e.g. ErrCapacityExceeded resolves to its own code and not LIMIT_REACHED.
var specificSentinels = []error{
	ErrNotAModule, ErrCompileFailed, ErrMissingExport, ErrUnsupportedImport,
	ErrInvalidMetadata, ErrInvalidLimits, ErrCapabilityRejected, ErrPathOutsideSandbox, ErrPrivateNetwork, ErrCapacityExceeded,
	ErrBusy, ErrInitFailed, ErrInstanceUnusable, ErrSerialization, ErrEngineClosed,
	ErrInstructionBudgetExceeded, ErrTrapped, ErrExecutionTimeout,
	ErrConfigLoad, ErrAuditWrite, ErrJournalWrite,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"plugin":   CodePluginNotFound,
		"registry": CodePluginNotFound,
	},
	ErrDuplicate: {
		"plugin":   CodePluginDuplicate,
		"registry": CodePluginDuplicate,
	},
	ErrTimeout: {
		"wasm": CodeWASMTimeout,
	},
	ErrPermissionDenied: {
		"wasm": CodeWASMCapability,
	},
	ErrInvalidInput: {
		"wasm": CodeWASMLoad,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for _, sentinel := range specificSentinels {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
