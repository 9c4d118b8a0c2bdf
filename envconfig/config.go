// Package envconfig reads the OFFLOAD_* environment variables. Every getter
// reads the environment on each call, so tests can use t.Setenv.
package envconfig

import (
	"os"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"github.com/notargets/offload/device"
)

// Var returns an environment variable stripped of surrounding whitespace and
// quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// Backend selects the device backend as "<name>:<config>", e.g.
// OFFLOAD_BACKEND="emu:class=cpu,workers=4". Empty selects the default backend.
func Backend() string {
	return Var("OFFLOAD_BACKEND")
}

// DeviceClass is the class of device to locate. Configurable via
// OFFLOAD_DEVICE_CLASS (gpu, cpu, accelerator, all). Default: gpu.
func DeviceClass() device.Class {
	if s := Var("OFFLOAD_DEVICE_CLASS"); s != "" {
		if c, ok := device.ParseClass(s); ok {
			return c
		}
		klog.Warningf("invalid OFFLOAD_DEVICE_CLASS %q, using gpu", s)
	}
	return device.ClassGPU
}

// KernelDir is a directory to load kernel sources from instead of the bundled
// copies. Configurable via OFFLOAD_KERNEL_DIR.
func KernelDir() string {
	return Var("OFFLOAD_KERNEL_DIR")
}

// Workers limits concurrent work-groups in the emulated backend. Configurable
// via OFFLOAD_WORKERS. Zero means one per CPU.
func Workers() uint {
	return Uint("OFFLOAD_WORKERS", 0)()
}

// Uint returns a getter for an unsigned integer variable with a default.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			n, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				klog.Warningf("invalid environment variable %s=%q, using default %d", key, s, defaultValue)
				return defaultValue
			}
			return uint(n)
		}
		return defaultValue
	}
}

// EnvVar describes one variable for the CLI's help output.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"OFFLOAD_BACKEND":      {"OFFLOAD_BACKEND", Backend(), "Device backend as <name>:<config> (default: first registered)"},
		"OFFLOAD_DEVICE_CLASS": {"OFFLOAD_DEVICE_CLASS", DeviceClass(), "Device class to locate: gpu, cpu, accelerator, all (default: gpu)"},
		"OFFLOAD_KERNEL_DIR":   {"OFFLOAD_KERNEL_DIR", KernelDir(), "Directory with kernel sources (default: bundled kernels)"},
		"OFFLOAD_WORKERS":      {"OFFLOAD_WORKERS", Workers(), "Concurrent work-groups for the emu backend (default: one per CPU)"},
	}
}

// BackendWithWorkers appends a workers option to an explicit emu backend
// configuration when OFFLOAD_WORKERS is set and the configuration does not
// already carry one.
func BackendWithWorkers(backend string) string {
	w := Workers()
	if w == 0 {
		return backend
	}
	name, cfg, _ := strings.Cut(backend, ":")
	if name != "emu" {
		return backend
	}
	if strings.Contains(cfg, "workers=") {
		return backend
	}
	opt := "workers=" + strconv.FormatUint(uint64(w), 10)
	if cfg != "" {
		opt = cfg + "," + opt
	}
	return name + ":" + opt
}
