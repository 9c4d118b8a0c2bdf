package device

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Locate picks one device of the requested class. Platforms are searched in
// the order the backend reports them; the first matching device wins.
func Locate(b Backend, class Class) (Platform, Device, error) {
	platforms, err := b.Platforms()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s: enumerating platforms", b.Name())
	}
	if len(platforms) == 0 {
		return nil, nil, NewError(ErrNoPlatform, "GetPlatforms", 0, "backend %s reports no platforms", b.Name())
	}
	for _, p := range platforms {
		devices, err := p.Devices(class)
		if err != nil {
			// A platform without devices of this class reports an error on some
			// drivers; keep looking.
			klog.V(1).Infof("platform %q: %v", p.Name(), err)
			continue
		}
		if len(devices) > 0 {
			return p, devices[0], nil
		}
	}
	return nil, nil, NewError(ErrNoDevice, "GetDevices", 0, "no %s device on %d platform(s)", class, len(platforms))
}

// PlatformInfo describes a platform and its devices.
type PlatformInfo struct {
	Name    string
	Vendor  string
	Version string
	Devices []Device
}

// Inventory lists every platform of the backend with all of its devices.
func Inventory(b Backend) ([]PlatformInfo, error) {
	platforms, err := b.Platforms()
	if err != nil {
		return nil, errors.Wrapf(err, "%s: enumerating platforms", b.Name())
	}
	out := make([]PlatformInfo, 0, len(platforms))
	for _, p := range platforms {
		info := PlatformInfo{Name: p.Name(), Vendor: p.Vendor(), Version: p.Version()}
		if devices, err := p.Devices(ClassAll); err == nil {
			info.Devices = devices
		}
		out = append(out, info)
	}
	return out, nil
}
