//go:build !linux

package systemd

import "context"

func GetUnitStatus(context.Context, string) (UnitStatus, error) {
	return UnitStatus{}, ErrUnsupported
}
