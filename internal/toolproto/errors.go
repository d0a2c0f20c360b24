package toolproto

import "fmt"

// InvocationError wraps a ChunkError frame returned by the tool runtime,
// distinguishing a reported tool failure from a transport-level error.
type InvocationError struct {
	Tool         string
	InvocationID string
	Message      string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("tool %q invocation %s failed: %s", e.Tool, e.InvocationID, e.Message)
}
