package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// UnitState reports the systemd ActiveState and SubState of one unit, e.g.
// ("active", "running") for a healthy service. The Z407 control path is dead
// whenever bluetooth.service is not running, so diagnostics surface it.
func UnitState(unit string) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return "", "", fmt.Errorf("connecting to system manager: %w", err)
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return "", "", fmt.Errorf("querying %s: %w", unit, err)
	}

	active, _ := props["ActiveState"].(string)
	sub, _ := props["SubState"].(string)
	return active, sub, nil
}
