package emu

import (
	"io/fs"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"github.com/notargets/offload/device"
	"github.com/notargets/offload/kernels"
)

// sourceName is how the build log refers to the program text.
const sourceName = "<program source>"

// compile parses source and binds every kernel it declares to a host
// implementation. A kernel is accepted only when its parameters and its body
// match the bundled definition that implementation executes. Anything else is
// reported in the build log like any other compiler error.
func compile(source []byte, options string) (*kernels.Unit, error) {
	if err := checkOptions(options); err != nil {
		return nil, err
	}
	unit := kernels.Parse(sourceName, source, kernels.Detect(source))
	if unit.Failed() {
		return unit, nil
	}
	for _, sig := range unit.Kernels {
		impl, ok := library[sig.Name]
		if !ok {
			unit.Errorf(sig.Line, sig.Col, "no device implementation for kernel '%s'", sig.Name)
			continue
		}
		params := sig.Bindable()
		if len(params) != len(impl.params) {
			unit.Errorf(sig.Line, sig.Col, "kernel '%s' declares %d parameter(s), device implementation takes %d",
				sig.Name, len(params), len(impl.params))
			continue
		}
		mismatch := false
		for i, p := range params {
			want := impl.params[i]
			if p.Pointer != want.pointer || p.Type != want.dataType {
				unit.Errorf(sig.Line, sig.Col, "kernel '%s' parameter %d '%s' has type '%s', device implementation expects '%s'",
					sig.Name, i, p.Name, describe(p.Pointer, p.TypeName), describe(want.pointer, typeName(want.dataType)))
				mismatch = true
			}
		}
		if mismatch {
			continue
		}
		// The device executes the host implementation, so the body must be the
		// one that implementation was written from.
		ref, ok := referenceKernel(unit.Dialect, sig.Name)
		if !ok {
			unit.Errorf(sig.Line, sig.Col, "no device implementation for kernel '%s' in this dialect", sig.Name)
			continue
		}
		if line, col, same := sig.MatchBody(ref); !same {
			unit.Errorf(line, col, "no device implementation matches the body of kernel '%s'", sig.Name)
		}
	}
	return unit, nil
}

var (
	referenceOnce sync.Once
	references    map[kernels.Dialect]map[string]kernels.Signature
)

// referenceKernel returns the bundled definition of the named kernel in
// dialect d.
func referenceKernel(d kernels.Dialect, name string) (kernels.Signature, bool) {
	referenceOnce.Do(func() {
		references = make(map[kernels.Dialect]map[string]kernels.Signature)
		for _, dialect := range []kernels.Dialect{kernels.OpenCL, kernels.OKL} {
			references[dialect] = make(map[string]kernels.Signature)
			for _, impl := range library {
				file := kernels.ForDialect(impl.source, dialect)
				text, err := fs.ReadFile(kernels.Bundled(), file)
				if err != nil {
					klog.Warningf("emu: bundled kernel %s: %v", file, err)
					continue
				}
				unit := kernels.Parse(file, text, dialect)
				for _, sig := range unit.Kernels {
					references[dialect][sig.Name] = sig
				}
			}
		}
	})
	sig, ok := references[d][name]
	return sig, ok
}

func describe(pointer bool, name string) string {
	if pointer {
		return name + "*"
	}
	return name
}

// checkOptions accepts the build options a real driver would, and rejects
// anything else.
func checkOptions(options string) error {
	fields := strings.Fields(options)
	for i := 0; i < len(fields); i++ {
		opt := fields[i]
		switch {
		case opt == "-D" || opt == "-I":
			if i+1 == len(fields) {
				return device.NewError(device.ErrBuild, "BuildProgram", statusInvalidBuildOptions,
					"option %s requires an argument", opt)
			}
			i++
		case strings.HasPrefix(opt, "-D"), strings.HasPrefix(opt, "-I"),
			strings.HasPrefix(opt, "-cl-"), opt == "-w", opt == "-Werror":
		default:
			return device.NewError(device.ErrBuild, "BuildProgram", statusInvalidBuildOptions,
				"unrecognized build option %q", opt)
		}
	}
	return nil
}
