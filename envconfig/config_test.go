package envconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/notargets/offload/device"
)

func TestBackend(t *testing.T) {
	t.Setenv("OFFLOAD_BACKEND", "")
	assert.Equal(t, "", Backend())
	t.Setenv("OFFLOAD_BACKEND", ` "emu:class=cpu" `)
	assert.Equal(t, "emu:class=cpu", Backend())
}

func TestDeviceClass(t *testing.T) {
	cases := map[string]device.Class{
		"":            device.ClassGPU,
		"cpu":         device.ClassCPU,
		"GPU":         device.ClassGPU,
		"accelerator": device.ClassAccelerator,
		"cpu|gpu":     device.ClassCPU | device.ClassGPU,
		"all":         device.ClassAll,
		"fpga":        device.ClassGPU,
	}
	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("OFFLOAD_DEVICE_CLASS", value)
			assert.Equal(t, want, DeviceClass())
		})
	}
}

func TestWorkers(t *testing.T) {
	t.Setenv("OFFLOAD_WORKERS", "")
	assert.Equal(t, uint(0), Workers())
	t.Setenv("OFFLOAD_WORKERS", "6")
	assert.Equal(t, uint(6), Workers())
	t.Setenv("OFFLOAD_WORKERS", "-2")
	assert.Equal(t, uint(0), Workers(), "invalid values fall back to the default")
}

func TestBackendWithWorkers(t *testing.T) {
	t.Setenv("OFFLOAD_WORKERS", "")
	assert.Equal(t, "emu", BackendWithWorkers("emu"))

	t.Setenv("OFFLOAD_WORKERS", "3")
	cases := map[string]string{
		"emu":                     "emu:workers=3",
		"emu:class=cpu":           "emu:class=cpu,workers=3",
		"emu:workers=8":           "emu:workers=8",
		"opencl":                  "opencl",
		`occa:{"mode": "Serial"}`: `occa:{"mode": "Serial"}`,
	}
	for in, want := range cases {
		assert.Equal(t, want, BackendWithWorkers(in), in)
	}
}

func TestAsMap(t *testing.T) {
	t.Setenv("OFFLOAD_KERNEL_DIR", "/tmp/kernels")
	t.Setenv("OFFLOAD_DEVICE_CLASS", "cpu")
	vars := AsMap()
	assert.Len(t, vars, 4)
	assert.Equal(t, "/tmp/kernels", vars["OFFLOAD_KERNEL_DIR"].Value)
	assert.Equal(t, device.ClassCPU, vars["OFFLOAD_DEVICE_CLASS"].Value)
	for name, v := range vars {
		assert.Equal(t, name, v.Name)
		assert.NotEmpty(t, v.Description)
	}
}
