// Package opencl binds the OpenCL 1.2 host API through cgo. It is compiled only
// with the opencl build tag and links against the system ICD loader:
//
//	go build -tags opencl ./...
//
// The backend registers itself as "opencl" and takes no configuration.
// Non-blocking commands hold their event, and transfers their pinned host
// slice, until the next Finish or until the event has been waited on.
// Blocking commands request no event.
package opencl
