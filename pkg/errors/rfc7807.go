// Package errors provides API error bodies using the RFC 7807 Problem Details format
package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Problem type URIs
const (
	TypeValidationError    = "https://swapflow.dev/problems/validation-error"
	TypeNotFound           = "https://swapflow.dev/problems/not-found"
	TypeOrderNotFound      = "https://swapflow.dev/problems/order-not-found"
	TypeInternalError      = "https://swapflow.dev/problems/internal-error"
	TypeServiceUnavailable = "https://swapflow.dev/problems/service-unavailable"
	TypeRateLimited        = "https://swapflow.dev/problems/rate-limited"
)

// Problem titles
const (
	TitleValidationError    = "Validation Error"
	TitleNotFound           = "Not Found"
	TitleOrderNotFound      = "Order Not Found"
	TitleInternalError      = "Internal Server Error"
	TitleServiceUnavailable = "Service Unavailable"
	TitleRateLimited        = "Too Many Requests"
)

// ValidationError describes one rejected request field
type ValidationError struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	Errors   []ValidationError      `json:"errors,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

var _ error = (*ProblemDetails)(nil)

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	if p.Detail != "" {
		return p.Detail
	}
	return p.Title
}

// WithTraceID adds a trace ID to the problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// WithValidationErrors adds field errors to the problem details
func (p *ProblemDetails) WithValidationErrors(errs []ValidationError) *ProblemDetails {
	p.Errors = errs
	return p
}

// WithExtra adds a top-level member to the serialized problem
func (p *ProblemDetails) WithExtra(key string, value interface{}) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]interface{})
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON flattens Extra into the top level object
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{}, 8+len(p.Extra))
	for k, v := range p.Extra {
		result[k] = v
	}
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	// "error" mirrors detail so simple clients can read a single field
	result["error"] = p.Error()
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	if p.TraceID != "" {
		result["trace_id"] = p.TraceID
	}
	if len(p.Errors) > 0 {
		result["errors"] = p.Errors
	}
	return json.Marshal(result)
}

// NewProblemDetails creates a problem with all core members
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     problemType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	}
}

// NewValidationError creates a 400 validation problem
func NewValidationError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeValidationError, TitleValidationError, http.StatusBadRequest, detail, instance)
}

// NewNotFoundError creates a generic 404 problem
func NewNotFoundError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeNotFound, TitleNotFound, http.StatusNotFound, detail, instance)
}

// NewOrderNotFoundError creates a 404 problem for unknown orders
func NewOrderNotFoundError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeOrderNotFound, TitleOrderNotFound, http.StatusNotFound, detail, instance)
}

// NewInternalError creates a 500 problem
func NewInternalError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeInternalError, TitleInternalError, http.StatusInternalServerError, detail, instance)
}

// NewServiceUnavailableError creates a 503 problem
func NewServiceUnavailableError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeServiceUnavailable, TitleServiceUnavailable, http.StatusServiceUnavailable, detail, instance)
}
