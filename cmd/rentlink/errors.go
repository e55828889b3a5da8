package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rentscan/rentlink/internal/gatt"
)

// ErrLinkLost indicates the terminal link dropped and could not be
// re-established within the configured recovery budget.
var ErrLinkLost = errors.New("terminal link lost")

// FormatUserError translates internal errors into messages suitable
// for an operator who has no view into the link state machine.
func FormatUserError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	case errors.Is(err, ErrLinkLost):
		return "lost the link to the terminal and could not recover; check the terminal's power and radio environment"
	case errors.Is(err, gatt.ErrScanBusy):
		return "the Bluetooth adapter is busy; stop other scanning applications and try again"
	case errors.Is(err, gatt.ErrScanFatal):
		return "the Bluetooth adapter failed to scan; check that Bluetooth is enabled"
	case errors.Is(err, gatt.ErrConnectFailed):
		return "could not connect to the terminal; make sure it is powered on and in range"
	case errors.Is(err, gatt.ErrDiscoveryNotFound):
		return "connected, but the device does not expose the terminal serial service; is this the right device?"
	case errors.Is(err, gatt.ErrDiscoveryMalformed):
		return "the device advertises a broken serial service layout; its firmware may be corrupted"
	case errors.Is(err, gatt.ErrSubscribeFailed):
		return "could not subscribe to terminal notifications; the link may be unstable"
	case errors.Is(err, gatt.ErrNotConnected):
		return "not connected to a terminal"
	default:
		return fmt.Sprintf("%v", err)
	}
}
