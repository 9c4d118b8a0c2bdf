package utils

import (
	"fmt"
	"testing"

	"github.com/notargets/offload/device"
	_ "github.com/notargets/offload/device/emu"
	_ "github.com/notargets/offload/device/occa"
	_ "github.com/notargets/offload/device/opencl"
	"github.com/notargets/offload/envconfig"
	"github.com/notargets/offload/runner"
)

// TestBackends lists the backend configurations CreateTestSession tries, in
// order. OFFLOAD_BACKEND, when set, is tried first. Backends not compiled in
// are skipped.
func TestBackends() []string {
	var backends []string
	if b := envconfig.Backend(); b != "" {
		backends = append(backends, envconfig.BackendWithWorkers(b))
	}
	return append(backends,
		"opencl",
		`occa:{"mode": "OpenMP"}`,
		`occa:{"mode": "CUDA", "device_id": 0}`,
		envconfig.BackendWithWorkers("emu"),
	)
}

// CreateTestSession opens a session on the first backend that has a usable
// device of any class and closes it when the test ends.
func CreateTestSession(t testing.TB) *runner.Session {
	t.Helper()
	for _, cfg := range TestBackends() {
		s, err := runner.Open(runner.Config{Backend: cfg, Class: device.ClassAll})
		if err != nil {
			continue
		}
		fmt.Printf("Created %s session on %s\n", s.Backend.Name(), s.Device.Name())
		t.Cleanup(func() {
			if err := s.Close(); err != nil {
				t.Errorf("closing session: %v", err)
			}
		})
		return s
	}
	t.Fatalf("failed to open a session on any of %v", TestBackends())
	return nil
}

// CreateEmuSession opens a session on the emulated backend with the given
// backend configuration, e.g. "class=cpu,workers=2".
func CreateEmuSession(t testing.TB, config string) *runner.Session {
	t.Helper()
	backend := "emu"
	if config != "" {
		backend += ":" + config
	}
	s, err := runner.Open(runner.Config{Backend: backend, Class: device.ClassAll})
	if err != nil {
		t.Fatalf("opening emu session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
