// Package fhirerr funnels every error kind the FHIR API and OAuth2 surfaces
// can produce through one place, mapping each to the FHIR OperationOutcome
// shape (or, for OAuth2 endpoints, the RFC 6749 error shape) instead of
// scattering ad hoc echo.NewHTTPError calls across handlers.
package fhirerr

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind enumerates the error kinds surfaced to callers.
type Kind string

const (
	NotFound                       Kind = "NOT_FOUND"
	VersionConflict                Kind = "VERSION_CONFLICT"
	ValidationFailed               Kind = "VALIDATION_FAILED"
	UnknownParameter                Kind = "UNKNOWN_PARAMETER"
	InvalidParameterValue          Kind = "INVALID_PARAMETER_VALUE"
	UnsupportedParameterCombo      Kind = "UNSUPPORTED_PARAMETER_COMBINATION"
	Unauthenticated                Kind = "UNAUTHENTICATED"
	Unauthorized                   Kind = "UNAUTHORIZED"
	ConsentDenied                  Kind = "CONSENT_DENIED"
	UpstreamUnavailable            Kind = "UPSTREAM_UNAVAILABLE"
	Internal                       Kind = "INTERNAL"
)

// Error is the funnel error type. Every layer of the engine returns *Error
// (or wraps a lower-level error into one) instead of a bare error string.
type Error struct {
	Kind        Kind
	Message     string
	Diagnostics string
	Expression  []string
	Issues      []OperationOutcomeIssue // set by NewMulti for validation errors with more than one issue
	wrapped     error
}

func (e *Error) Error() string {
	if e.Diagnostics != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Diagnostics)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New constructs an *Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Diagnostics: fmt.Sprintf(format, args...)}
}

// NewMulti constructs a ValidationFailed *Error carrying every issue found
// by a multi-issue validation pass (e.g. Bundle entry validation), rendered
// as a single OperationOutcome with one entry per issue instead of one
// OperationOutcome per issue.
func NewMulti(kind Kind, summary string, issues []OperationOutcomeIssue) *Error {
	return &Error{Kind: kind, Message: summary, Diagnostics: summary, Issues: issues}
}

// Wrap constructs an INTERNAL *Error carrying an underlying cause.
func Wrap(err error, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: Internal, Message: msg, Diagnostics: msg, wrapped: err}
}

// WithExpression attaches a FHIRPath expression pointer to the error, as
// FHIR OperationOutcome.issue.expression does.
func (e *Error) WithExpression(expr ...string) *Error {
	e.Expression = expr
	return e
}

// httpStatus maps an error kind to its HTTP status code.
func httpStatus(k Kind) int {
	switch k {
	case NotFound:
		return http.StatusNotFound
	case VersionConflict:
		return http.StatusConflict
	case ValidationFailed, UnknownParameter, InvalidParameterValue, UnsupportedParameterCombo:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case Unauthorized, ConsentDenied:
		return http.StatusForbidden
	case UpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// issueCode maps an error kind to the FHIR OperationOutcome.issue.code value.
func issueCode(k Kind) string {
	switch k {
	case NotFound:
		return "not-found"
	case VersionConflict:
		return "conflict"
	case ValidationFailed:
		return "invariant"
	case UnknownParameter:
		return "not-supported"
	case InvalidParameterValue:
		return "value"
	case UnsupportedParameterCombo:
		return "not-supported"
	case Unauthenticated:
		return "login"
	case Unauthorized, ConsentDenied:
		return "forbidden"
	case UpstreamUnavailable:
		return "transient"
	default:
		return "exception"
	}
}

// OperationOutcome is the FHIR resource returned for every API error.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// ToOperationOutcome renders the error as a FHIR OperationOutcome resource.
func (e *Error) ToOperationOutcome() *OperationOutcome {
	if len(e.Issues) > 0 {
		return &OperationOutcome{ResourceType: "OperationOutcome", Issue: e.Issues}
	}
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{{
			Severity:    "error",
			Code:        issueCode(e.Kind),
			Diagnostics: e.Diagnostics,
			Expression:  e.Expression,
		}},
	}
}

// NotFoundOutcome is a convenience constructor mirroring the teacher's
// NotFoundOutcome helper, used by handlers that never construct an *Error.
func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	oo := New(NotFound, "%s/%s not found", resourceType, id).ToOperationOutcome()
	return oo
}

// HTTPErrorHandler is registered as the echo.Echo.HTTPErrorHandler so every
// handler error — whether a *fhirerr.Error or a bare echo.HTTPError — funnels
// through the same OperationOutcome rendering.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var ferr *Error
	if e, ok := err.(*Error); ok {
		ferr = e
	} else if he, ok := err.(*echo.HTTPError); ok {
		msg := fmt.Sprintf("%v", he.Message)
		kind := Internal
		if he.Code == http.StatusNotFound {
			kind = NotFound
		} else if he.Code == http.StatusBadRequest {
			kind = ValidationFailed
		} else if he.Code == http.StatusConflict {
			kind = VersionConflict
		}
		ferr = New(kind, msg)
	} else {
		ferr = Wrap(err, "%v", err)
	}

	status := httpStatus(ferr.Kind)
	if werr := c.JSON(status, ferr.ToOperationOutcome()); werr != nil {
		c.Logger().Error(werr)
	}
}
