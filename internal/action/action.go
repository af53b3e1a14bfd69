// Package action defines the result contract shared by every command path:
// fast-path handlers, the markdown runner, and admin operations. A result
// carries a user-facing message, a stable machine-readable code, free-form
// metadata, and the world changes that were applied.
package action

import "fmt"

// Code is a stable machine-readable failure code surfaced in action
// responses. Codes are part of the client contract and never change meaning.
type Code string

const (
	CodeOK Code = ""

	// Configuration and lookup.
	CodeConfigInvalid  Code = "ConfigInvalid"
	CodeNotFound       Code = "NotFound"
	CodeNotInitialized Code = "NotInitialized"

	// Authorization and gating.
	CodePermissionDenied     Code = "PermissionDenied"
	CodeConfirmationRequired Code = "ConfirmationRequired"

	// Storage and concurrency.
	CodeConflict    Code = "Conflict"
	CodeLockTimeout Code = "LockTimeout"
	CodeCorrupt     Code = "Corrupt"

	// Gameplay preconditions.
	CodeUnknownDestination Code = "UnknownDestination"
	CodeNotReachable       Code = "NotReachable"
	CodeNotAtLocation      Code = "NotAtLocation"
	CodeNotCollectible     Code = "NotCollectible"
	CodeNotInInventory     Code = "NotInInventory"
	CodeNotUsable          Code = "NotUsable"
	CodeAlreadyCollected   Code = "AlreadyCollected"
	CodeNpcNotFound        Code = "NpcNotFound"
	CodeNotAtNpc           Code = "NotAtNpc"

	// Dispatch and input.
	CodeUnknownCommand     Code = "UnknownCommand"
	CodeMalformedInput     Code = "MalformedInput"
	CodeInvalidStateUpdate Code = "InvalidStateUpdate"

	// External collaborators.
	CodeLLMUnavailable    Code = "LlmUnavailable"
	CodeMalformedResponse Code = "MalformedResponse"
	CodeTransportError    Code = "TransportError"
)

// Error is a failure with a stable code and a message suitable for display.
// Metadata carries structured context, e.g. the reset preview attached to a
// ConfirmationRequired error.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Fail creates an [Error] with a formatted message.
func Fail(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FailMeta creates an [Error] carrying metadata.
func FailMeta(code Code, meta map[string]any, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Metadata: meta}
}
