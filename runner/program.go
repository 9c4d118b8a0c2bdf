package runner

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/notargets/offload/device"
	"github.com/notargets/offload/kernels"
)

// Source is kernel program text and where it came from.
type Source struct {
	Path    string
	Text    []byte
	Dialect kernels.Dialect
}

// LoadSource reads a kernel source file from disk.
func LoadSource(path string) (*Source, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, device.NewError(device.ErrSourceLoad, "LoadSource", 0, "%v", err)
	}
	if len(text) == 0 {
		return nil, device.NewError(device.ErrSourceLoad, "LoadSource", 0, "%s is empty", path)
	}
	return &Source{Path: path, Text: text, Dialect: kernels.DialectFor(path)}, nil
}

// LoadSourceFS reads a kernel source file from fsys, e.g. kernels.Bundled().
func LoadSourceFS(fsys fs.FS, name string) (*Source, error) {
	text, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, device.NewError(device.ErrSourceLoad, "LoadSource", 0, "%v", err)
	}
	return &Source{Path: name, Text: text, Dialect: kernels.DialectFor(name)}, nil
}

// LoadKernelSource loads name from dir when dir is set, otherwise from the
// kernels bundled into the binary.
func LoadKernelSource(dir, name string) (*Source, error) {
	if dir != "" {
		return LoadSource(filepath.Join(dir, name))
	}
	return LoadSourceFS(kernels.Bundled(), name)
}

// Program is a successfully built program. Its kernels are released with it.
type Program struct {
	Source *Source
	sess   *Session
	prog   device.Program
	unit   *kernels.Unit
	h      *handle
}

// BuildProgram compiles src for the session device. A compiler failure returns
// a *device.BuildError carrying the compiler log; the build is not retried.
func (s *Session) BuildProgram(src *Source) (*Program, error) {
	if s.Closed() {
		return nil, device.NewError(device.ErrReleased, "BuildProgram", 0, "session closed")
	}
	stop := s.Timings.Start(PhaseBuild)
	prog, err := s.ctx.BuildProgram(src.Text, s.cfg.BuildOptions)
	stop()
	if err != nil {
		var be *device.BuildError
		if errors.As(err, &be) {
			return nil, be
		}
		return nil, errors.Wrapf(err, "building %s", src.Path)
	}
	if log := prog.BuildLog(); log != "" {
		klog.V(1).Infof("build log for %s:\n%s", src.Path, log)
	}

	p := &Program{Source: src, sess: s, prog: prog}
	p.unit = kernels.Parse(src.Path, src.Text, src.Dialect)
	if p.unit.Failed() {
		// The device compiler accepted what the host front end did not; bind
		// without signature checks.
		klog.Warningf("%s: kernel signatures unavailable:\n%s", src.Path, p.unit.Log())
	}
	p.h, err = s.root.adopt("program "+src.Path, prog.Release)
	if err != nil {
		_ = prog.Release()
		return nil, err
	}
	klog.Infof("built %s: kernels %v", src.Path, prog.KernelNames())
	return p, nil
}

// KernelNames lists the entry points of the program.
func (p *Program) KernelNames() []string {
	return p.prog.KernelNames()
}

// Kernel looks up an entry point by name.
func (p *Program) Kernel(name string) (*Kernel, error) {
	if p.h.isReleased() {
		return nil, device.NewError(device.ErrReleased, "CreateKernel", 0, "program %s released", p.Source.Path)
	}
	dk, err := p.prog.CreateKernel(name)
	if err != nil {
		if errors.Is(err, device.ErrEntryPointNotFound) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "creating kernel %s", name)
	}
	k := &Kernel{Name: name, program: p, kernel: dk}
	if sig, ok := p.unit.Lookup(name); ok {
		k.Signature = &sig
	}
	k.h, err = p.h.adopt("kernel "+name, dk.Release)
	if err != nil {
		_ = dk.Release()
		return nil, err
	}
	return k, nil
}

// Release releases the program's kernels, then the program.
func (p *Program) Release() error {
	return p.h.Release()
}
