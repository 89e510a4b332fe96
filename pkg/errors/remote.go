package errors

import (
	"errors"
	"fmt"
)

// Remote is the wire form of a failure reported by a peer inside an error
// envelope payload.
type Remote struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ToRemote converts a local failure into the structure sent back to a requester.
// Stack traces captured by RecoverPanic never leave the process.
func ToRemote(err error) Remote {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return Remote{Code: ErrInternal.Code, Message: err.Error()}
	}

	remote := Remote{Code: appErr.Code, Message: appErr.Message}
	if appErr.Cause != nil {
		remote.Message = fmt.Sprintf("%s: %v", appErr.Message, appErr.Cause)
	}
	for k, v := range appErr.Details {
		if k == "stack_trace" {
			continue
		}
		if remote.Details == nil {
			remote.Details = make(map[string]interface{})
		}
		remote.Details[k] = v
	}
	return remote
}

// FromRemote turns a peer-reported failure into a HANDLER_ERROR that keeps the
// remote code and message as details.
func FromRemote(remote Remote) *Error {
	err := ErrHandler.
		WithMessage(remote.Message).
		WithDetail("remote_code", remote.Code)
	for k, v := range remote.Details {
		err = err.WithDetail(k, v)
	}
	return err
}

// RemoteCode returns the code a peer reported for a HANDLER_ERROR.
func RemoteCode(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Code == ErrHandler.Code {
		if code, ok := appErr.Details["remote_code"].(string); ok {
			return code
		}
	}
	return ""
}
