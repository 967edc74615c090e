package upstream

import "fmt"

// AuthError represents an authentication failure. Polling must pause and the
// caller has to supply fresh credentials before it resumes.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return e.Message
}

// TransientError represents a network or server-side failure worth retrying
// on the next scheduled cycle
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient API error: %v", e.Err)
	}
	return fmt.Sprintf("transient API error: status %d", e.StatusCode)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// MalformedDataError represents an upstream payload that failed shape
// validation. The refresh cycle aborts without publishing.
type MalformedDataError struct {
	Message string
	Err     error
}

func (e *MalformedDataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed upstream data: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("malformed upstream data: %s", e.Message)
}

func (e *MalformedDataError) Unwrap() error {
	return e.Err
}
