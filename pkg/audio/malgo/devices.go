package malgo

import (
	"fmt"
	"strings"

	"github.com/gen2brain/malgo"
)

// lookupDevice resolves a device by case-insensitive name substring. A nil
// return with nil error means no name was requested and the system default
// applies.
func lookupDevice(actx *malgo.AllocatedContext, kind malgo.DeviceType, name string) (*malgo.DeviceID, error) {
	if name == "" {
		return nil, nil
	}
	infos, err := actx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("malgo: enumerate devices: %w", err)
	}
	want := strings.ToLower(name)
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), want) {
			id := info.ID
			return &id, nil
		}
	}
	return nil, fmt.Errorf("malgo: no device matching %q", name)
}
