package adb

import "errors"

var (
	// ErrDeviceNotFound is returned when a serial is not known to the adb server.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceOffline is returned when the device is known but unreachable.
	ErrDeviceOffline = errors.New("device offline")

	// ErrDeviceUnauthorized is returned when the device has not authorized
	// this host. The user must accept the authorization prompt on-device.
	ErrDeviceUnauthorized = errors.New("device unauthorized")

	// ErrLinkClosed is returned when an operation is attempted on an
	// invalidated link.
	ErrLinkClosed = errors.New("link closed")
)
