package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface. Only device metadata is
// persisted; sessions are in-memory and bounded by process lifetime.
type Store interface {
	SaveDevice(dev *Device) error
	GetDevice(serial string) (*Device, error)
	DeleteDevice(serial string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(serial string, fn func(dev *Device) error) error

	// Close the store
	Close() error
}
