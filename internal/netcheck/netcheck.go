package netcheck

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ConflictError reports every requested port that could not be bound, so the
// caller can surface the complete picture instead of the first failure.
type ConflictError struct {
	Ports []int
}

func (e *ConflictError) Error() string {
	parts := make([]string, 0, len(e.Ports))
	for _, p := range e.Ports {
		parts = append(parts, strconv.Itoa(p))
	}
	return fmt.Sprintf("ports %s are already in use", strings.Join(parts, " and "))
}

// EnsureFree attempts to bind each given TCP port on loopback and releases it
// immediately. Conflicts are batched into a single *ConflictError.
func EnsureFree(ports ...int) error {
	var conflicts []int
	for _, port := range ports {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			conflicts = append(conflicts, port)
			continue
		}
		_ = ln.Close()
	}
	if len(conflicts) > 0 {
		return &ConflictError{Ports: conflicts}
	}
	return nil
}
