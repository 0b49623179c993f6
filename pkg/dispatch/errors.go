package dispatch

import "fmt"

// DispatchError reports a command handler that returned an error or
// panicked. It is logged and reported to completion listeners; it never
// reaches the chat user.
type DispatchError struct {
	Command      string
	Extension    string
	InvocationID string
	Panicked     bool
	Err          error
}

func (e *DispatchError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("command %q panicked: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
