package toolserver

import (
	"context"
	"errors"
	"fmt"
	"os"

	amerrors "github.com/nolood/coderag/internal/errors"
)

// JSON-RPC 2.0 reserves -32768..-32000; everything outside that range is
// free for application use. -32001.. mirrors the standard codes' spacing.
const (
	codeIndexNotFound = -32001
	codeTimeout       = -32002
	codeFileNotFound  = -32003
	codeInvalidParams = -32602
	codeInternal      = -32603
)

// ToolError is the structured error shape returned to the client for a
// failed tool call. It never leaks a Go stack trace or internal path.
type ToolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool error %d: %s", e.Code, e.Message)
}

// NewInvalidParamsError builds a ToolError for a malformed or missing
// tool argument.
func NewInvalidParamsError(msg string) *ToolError {
	return &ToolError{Code: codeInvalidParams, Message: msg}
}

// MapError converts an error raised while executing a tool into a
// ToolError, so the server's response is always the same structured
// shape whether the failure came from auto-indexing, search, or disk
// I/O. A nil err returns nil, matching errors.As/Is conventions.
func MapError(err error) *ToolError {
	if err == nil {
		return nil
	}

	var crErr *amerrors.CodeRAGError
	if errors.As(err, &crErr) {
		return mapCodeRAGError(crErr)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ToolError{Code: codeTimeout, Message: "request timed out"}
	case errors.Is(err, context.Canceled):
		return &ToolError{Code: codeTimeout, Message: "request was canceled"}
	case errors.Is(err, os.ErrNotExist):
		return &ToolError{Code: codeFileNotFound, Message: "file not found"}
	default:
		return &ToolError{Code: codeInternal, Message: err.Error()}
	}
}

func mapCodeRAGError(ce *amerrors.CodeRAGError) *ToolError {
	message := ce.Message
	if ce.Suggestion != "" {
		message = fmt.Sprintf("%s %s", ce.Message, ce.Suggestion)
	}

	switch ce.Category {
	case amerrors.CategoryStorage:
		if ce.Code == amerrors.ErrCodeMetadataNotFound {
			return &ToolError{Code: codeIndexNotFound, Message: message}
		}
		if ce.Code == amerrors.ErrCodeSchemaMismatch {
			return &ToolError{Code: codeIndexNotFound, Message: message}
		}
		return &ToolError{Code: codeInternal, Message: message}
	case amerrors.CategorySearch:
		if ce.Code == amerrors.ErrCodeIndexMissing {
			return &ToolError{Code: codeIndexNotFound, Message: message}
		}
		return &ToolError{Code: codeInternal, Message: message}
	case amerrors.CategoryIndexing:
		return &ToolError{Code: codeTimeout, Message: message}
	case amerrors.CategoryTool:
		if ce.Code == amerrors.ErrCodePathEscape {
			return &ToolError{Code: codeInvalidParams, Message: message}
		}
		return &ToolError{Code: codeInvalidParams, Message: message}
	default:
		return &ToolError{Code: codeInternal, Message: message}
	}
}
