package controller

import (
	"errors"
	"fmt"
)

const (
	CodeValidation      = "VALIDATION"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeExportNotFound  = "EXPORT_NOT_FOUND"
	CodeDeliveryFailed  = "DELIVERY_FAILED"
	CodeCDPUnavailable  = "CDP_UNAVAILABLE"
	CodeCaptureDisabled = "CAPTURE_DISABLED"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// CodeOf returns the code of the first CodedError in err's chain, or "" when
// there is none.
func CodeOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}
