package kernels

import (
	"embed"
	"io/fs"
	"path"
)

// Source file names of the bundled kernels.
const (
	VecAddSource = "vec_add.cl"
	MatMulSource = "mat_mul.cl"
)

// Entry point names.
const (
	VecAddKernel = "vec_add"
	MatMulKernel = "mat_mul_seq"
)

// ReservedPrefix marks trailing launch-geometry parameters that the runtime
// fills in. They are never bound from the host.
const ReservedPrefix = "occa_"

//go:embed *.cl *.okl
var bundled embed.FS

// Bundled returns the kernels compiled into the binary.
func Bundled() fs.FS {
	return bundled
}

// ForDialect maps a bundled OpenCL source name to its counterpart in dialect d.
func ForDialect(name string, d Dialect) string {
	if d != OKL {
		return name
	}
	ext := path.Ext(name)
	return name[:len(name)-len(ext)] + ".okl"
}
