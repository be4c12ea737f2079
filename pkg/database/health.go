package database

import (
	"context"
	"fmt"
	"time"

	"github.com/flightline/fleet/pkg/errs"
)

// HealthStatus is the store section of the coordinator health report.
type HealthStatus struct {
	Dialect       Dialect `json:"dialect"`
	SchemaVersion int64   `json:"schema_version"`
	OpenConns     int     `json:"open_connections"`
	InUseConns    int     `json:"in_use_connections"`
	IdleConns     int     `json:"idle_connections"`
}

// Health runs the storage self-test: ping the pool and read the applied
// schema version. Failures surface as StorageUnavailable so the health
// endpoint degrades instead of reporting healthy over a dead store.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return HealthStatus{}, fmt.Errorf("%w: pinging database: %v", errs.ErrStorageUnavailable, err)
	}

	version, err := c.SchemaVersion(ctx)
	if err != nil {
		return HealthStatus{}, fmt.Errorf("%w: %v", errs.ErrStorageUnavailable, err)
	}

	stats := c.db.Stats()
	return HealthStatus{
		Dialect:       c.dialect,
		SchemaVersion: version,
		OpenConns:     stats.OpenConnections,
		InUseConns:    stats.InUse,
		IdleConns:     stats.Idle,
	}, nil
}
