package checkpoint

import "fmt"

// CorruptCheckpointError reports a checkpoint that is listed but cannot be
// trusted: a malformed tag, an unreadable body, or a manifest that does not
// agree with the file it points at.
type CorruptCheckpointError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptCheckpointError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt checkpoint %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt checkpoint %s: %s", e.Path, e.Reason)
}

func (e *CorruptCheckpointError) Unwrap() error { return e.Err }
