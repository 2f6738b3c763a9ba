package connectivity

import "fmt"

// ErrCircuitOpen is returned when the circuit breaker for an endpoint is
// open, rejecting the send without attempting the transport.
type ErrCircuitOpen struct {
	Endpoint string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Endpoint)
}

// ErrStatus is returned when the collector answers outside 2xx.
type ErrStatus struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *ErrStatus) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("connectivity: %s: status %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("connectivity: %s: status %d: %s", e.Endpoint, e.Code, e.Body)
}

// Temporary reports whether a retry may succeed (5xx, 408, 429).
func (e *ErrStatus) Temporary() bool {
	return e.Code >= 500 || e.Code == 408 || e.Code == 429
}

// ErrPanic wraps a recovered panic value as an error.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}
