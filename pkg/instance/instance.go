// Package instance identifies the host the service runs on.
package instance

import (
	"os"

	"github.com/denisbrodbeck/machineid"
)

// ID returns an app-scoped, hashed machine id so the raw machine id never leaves the
// host. It falls back to the hostname and then to "unknown".
func ID(app string) string {
	if id, err := machineid.ProtectedID(app); err == nil && id != "" {
		if len(id) > 16 {
			id = id[:16]
		}
		return id
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "unknown"
}
