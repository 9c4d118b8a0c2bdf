// Package emu is a pure-Go compute device. It runs the bundled kernels on host
// goroutines, one goroutine per work-group, with the same handle model, queue
// ordering and error codes as a hardware backend.
//
// The backend registers itself as "emu". Its configuration string is a comma
// separated list of key=value pairs:
//
//	platforms=1      number of platforms to expose (0 simulates a host without drivers)
//	devices=1        devices per platform
//	class=gpu        device class reported by every device
//	mem=1GiB         global memory per device
//	maxwg=1024       maximum work-group size
//	workers=8        concurrent work-groups per launch (defaults to GOMAXPROCS)
//
// Example: "emu:platforms=1,class=cpu,mem=64MiB".
package emu

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/notargets/offload/device"
)

// BackendName is the registered name of this backend.
const BackendName = "emu"

func init() {
	device.Register(BackendName, New)
}

// Config of an emulated installation.
type Config struct {
	Platforms        int
	DevicesPerPlat   int
	Class            device.Class
	GlobalMemSize    int64
	MaxWorkGroupSize int
	Workers          int
}

// DefaultConfig is one platform with one GPU-class device.
func DefaultConfig() Config {
	return Config{
		Platforms:        1,
		DevicesPerPlat:   1,
		Class:            device.ClassGPU,
		GlobalMemSize:    1 << 30,
		MaxWorkGroupSize: 1024,
		Workers:          runtime.GOMAXPROCS(0),
	}
}

// ParseConfig parses a configuration string. Unset keys keep their defaults.
func ParseConfig(config string) (Config, error) {
	cfg := DefaultConfig()
	for _, kv := range strings.Split(config, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		key, value, found := strings.Cut(kv, "=")
		if !found {
			return cfg, errors.Errorf("emu: option %q is not key=value", kv)
		}
		var err error
		switch strings.ToLower(key) {
		case "platforms":
			cfg.Platforms, err = parseCount(value, 0)
		case "devices":
			cfg.DevicesPerPlat, err = parseCount(value, 0)
		case "class":
			class, ok := device.ParseClass(value)
			if !ok {
				err = errors.Errorf("unknown device class %q", value)
			}
			cfg.Class = class
		case "mem":
			var n uint64
			n, err = humanize.ParseBytes(value)
			cfg.GlobalMemSize = int64(n)
		case "maxwg":
			cfg.MaxWorkGroupSize, err = parseCount(value, 1)
		case "workers":
			cfg.Workers, err = parseCount(value, 1)
		default:
			err = errors.New("unknown option")
		}
		if err != nil {
			return cfg, errors.Wrapf(err, "emu: option %q", kv)
		}
	}
	return cfg, nil
}

func parseCount(s string, min int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < min {
		return 0, errors.Errorf("must be at least %d", min)
	}
	return n, nil
}

// Backend is an emulated driver installation.
type Backend struct {
	cfg       Config
	platforms []device.Platform

	live atomic.Int64 // handles created and not yet released
}

var _ device.Backend = (*Backend)(nil)

// New is the registered constructor.
func New(config string) (device.Backend, error) {
	cfg, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg), nil
}

// NewWithConfig builds a backend without going through the registry.
func NewWithConfig(cfg Config) *Backend {
	b := &Backend{cfg: cfg}
	for p := 0; p < cfg.Platforms; p++ {
		plat := &platform{
			name:    fmt.Sprintf("Go Emulation Platform %d", p),
			vendor:  "offload",
			version: "OpenCL 1.2 emu",
		}
		for d := 0; d < cfg.DevicesPerPlat; d++ {
			plat.devices = append(plat.devices, &dev{
				name:       fmt.Sprintf("Emulated %s %d.%d", cfg.Class, p, d),
				class:      cfg.Class,
				platform:   plat.name,
				maxWG:      cfg.MaxWorkGroupSize,
				globalMem:  cfg.GlobalMemSize,
				workers:    cfg.Workers,
				maxWorkDim: 3,
			})
		}
		b.platforms = append(b.platforms, plat)
	}
	return b
}

// Name implements device.Backend.
func (b *Backend) Name() string { return BackendName }

// Platforms implements device.Backend.
func (b *Backend) Platforms() ([]device.Platform, error) {
	return append([]device.Platform(nil), b.platforms...), nil
}

// NewContext implements device.Backend.
func (b *Backend) NewContext(d device.Device) (device.Context, error) {
	ed, ok := d.(*dev)
	if !ok {
		return nil, device.NewError(device.ErrNoDevice, "CreateContext", statusInvalidDeviceType,
			"device %q does not belong to the emu backend", d.Name())
	}
	b.live.Add(1)
	return &execContext{backend: b, dev: ed}, nil
}

// Live returns the number of device handles that have been created and not
// released.
func (b *Backend) Live() int64 {
	return b.live.Load()
}

type platform struct {
	name, vendor, version string
	devices               []device.Device
}

func (p *platform) Name() string    { return p.name }
func (p *platform) Vendor() string  { return p.vendor }
func (p *platform) Version() string { return p.version }

func (p *platform) Devices(class device.Class) ([]device.Device, error) {
	var out []device.Device
	for _, d := range p.devices {
		if d.Class()&class != 0 {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil, device.NewError(device.ErrNoDevice, "GetDeviceIDs", statusDeviceNotFound,
			"platform %q has no %s device", p.name, class)
	}
	return out, nil
}

type dev struct {
	name       string
	class      device.Class
	platform   string
	maxWG      int
	globalMem  int64
	workers    int
	maxWorkDim int
}

func (d *dev) Name() string          { return d.name }
func (d *dev) Vendor() string        { return "offload" }
func (d *dev) Class() device.Class   { return d.class }
func (d *dev) Platform() string      { return d.platform }
func (d *dev) MaxWorkGroupSize() int { return d.maxWG }
func (d *dev) GlobalMemSize() int64  { return d.globalMem }
