package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ToolResponse is the envelope every boundary function returns. Errors are
// human-readable strings, never stack traces.
type ToolResponse struct {
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func ok(data map[string]any) ToolResponse {
	return ToolResponse{Success: true, Data: data}
}

func fail(err error) ToolResponse {
	return ToolResponse{Success: false, Error: err.Error()}
}

// 錯誤定義
var (
	ErrRateLimited            = errors.New("rate limit exceeded, retry later")
	ErrTooManyJobs            = errors.New("too many unfinished jobs")
	ErrDeadLetterDisabled     = errors.New("dead letter queue is not enabled")
	ErrProjectContextNotFound = errors.New("project context not found")
	ErrInternal               = errors.New("internal error")
)

// ValidationError reports a request or payload that does not conform.
// Nothing is enqueued when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// fromValidator turns validator/v10 errors into a ValidationError naming
// the first offending field.
func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	fe := verrs[0]
	msg := "fails " + fe.Tag()
	if fe.Param() != "" {
		msg += "=" + fe.Param()
	}
	if len(verrs) > 1 {
		others := make([]string, 0, len(verrs)-1)
		for _, e := range verrs[1:] {
			others = append(others, e.Field())
		}
		msg += " (also: " + strings.Join(others, ", ") + ")"
	}
	return &ValidationError{Field: fe.Field(), Message: msg}
}
