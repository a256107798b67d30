//go:build linux

package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// GetUnitStatus reads unit properties from the system manager.
func GetUnitStatus(ctx context.Context, unit string) (UnitStatus, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return UnitStatus{}, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	name := UnitName(unit)
	props, err := conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		return UnitStatus{}, fmt.Errorf("get properties of %s: %w", name, err)
	}
	return statusFromProps(name, props, time.Now()), nil
}
