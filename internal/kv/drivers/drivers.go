// Package drivers maps backend names to kv drivers.
package drivers

import (
	"fmt"

	"github.com/roach88/kvpipe/internal/kv"
	"github.com/roach88/kvpipe/internal/kv/boltkv"
	"github.com/roach88/kvpipe/internal/kv/sqlitekv"
)

// For returns the driver for a backend.
func For(b kv.Backend) (kv.Driver, error) {
	switch b {
	case kv.BackendSQLite:
		return sqlitekv.Driver{}, nil
	case kv.BackendBolt:
		return boltkv.Driver{}, nil
	}
	return nil, fmt.Errorf("unknown backend %q: must be one of %v", b, kv.Backends)
}
