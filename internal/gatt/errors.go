package gatt

import (
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies link-layer failures for retry/escalation decisions.
type FailureKind string

const (
	ScanBusy               FailureKind = "scan_busy"
	ScanFatal              FailureKind = "scan_fatal"
	ConnectionCreateFailed FailureKind = "connection_create_failed"
	DiscoveryNotFound      FailureKind = "discovery_not_found"
	DiscoveryMalformed     FailureKind = "discovery_malformed"
	SubscribeFailed        FailureKind = "subscribe_failed"
	NotConnected           FailureKind = "not_connected"
	NotSubscribed          FailureKind = "not_subscribed"
	AlreadySubscribed      FailureKind = "already_subscribed"
)

// LinkError represents any failure reported by the radio stack or the
// link state machine itself.
type LinkError struct {
	Kind FailureKind
	Msg  string
}

// Error implements the error interface
func (e *LinkError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare LinkError values by Kind
func (e *LinkError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*LinkError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for the failure taxonomy
var (
	ErrScanBusy           = &LinkError{Kind: ScanBusy}
	ErrScanFatal          = &LinkError{Kind: ScanFatal}
	ErrConnectFailed      = &LinkError{Kind: ConnectionCreateFailed}
	ErrDiscoveryNotFound  = &LinkError{Kind: DiscoveryNotFound}
	ErrDiscoveryMalformed = &LinkError{Kind: DiscoveryMalformed}
	ErrSubscribeFailed    = &LinkError{Kind: SubscribeFailed}
	ErrNotConnected       = &LinkError{Kind: NotConnected}
	ErrNotSubscribed      = &LinkError{Kind: NotSubscribed}
	ErrAlreadySubscribed  = &LinkError{Kind: AlreadySubscribed}
)

// NormalizeError maps known radio stack error strings onto the failure
// taxonomy. It ensures consistent handling even if the backend library
// changes messages slightly. Returns wrapped errors to preserve the
// original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "busy"):
		return fmt.Errorf("%w: %v", ErrScanBusy, err)
	case containsIgnoreCase(msg, "invalid argument"),
		containsIgnoreCase(msg, "invalid connection"):
		// The stack reports EINVAL when a connect is issued while it
		// still privately holds a prior handle live.
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	case containsIgnoreCase(msg, "already subscribed"),
		containsIgnoreCase(msg, "already enabled"):
		return fmt.Errorf("%w: %v", ErrAlreadySubscribed, err)
	case containsIgnoreCase(msg, "not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsFailureKind reports whether err is a LinkError with the given kind
func IsFailureKind(err error, kind FailureKind) bool {
	var lerr *LinkError
	if errors.As(err, &lerr) {
		return lerr.Kind == kind
	}
	return false
}
