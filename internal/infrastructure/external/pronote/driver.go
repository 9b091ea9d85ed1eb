package pronote

import (
	"errors"
	"sync"
)

// ErrNoDriver is returned by OpenDialer when no protocol driver registered
// itself.
var ErrNoDriver = errors.New("pronote: no protocol driver registered")

var (
	driverMu sync.RWMutex
	driver   func() (Dialer, error)
)

// RegisterDriver installs the wire protocol implementation behind the Dialer
// boundary. Drivers call it from an init function, so linking a driver
// package is enough to make OpenDialer work. Registering twice panics.
func RegisterDriver(open func() (Dialer, error)) {
	driverMu.Lock()
	defer driverMu.Unlock()
	if open == nil {
		panic("pronote: RegisterDriver with nil opener")
	}
	if driver != nil {
		panic("pronote: protocol driver already registered")
	}
	driver = open
}

// OpenDialer opens a Dialer from the registered protocol driver.
func OpenDialer() (Dialer, error) {
	driverMu.RLock()
	open := driver
	driverMu.RUnlock()
	if open == nil {
		return nil, ErrNoDriver
	}
	return open()
}
