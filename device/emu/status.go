package emu

// Status codes mirror the OpenCL error codes so that logs read the same on
// every backend.
const (
	statusDeviceNotFound        = -1
	statusMemAllocationFailure  = -4
	statusInvalidValue          = -30
	statusInvalidDeviceType     = -31
	statusInvalidContext        = -34
	statusInvalidCommandQueue   = -36
	statusInvalidMemObject      = -38
	statusInvalidBuildOptions   = -43
	statusInvalidProgram        = -44
	statusInvalidKernelName     = -46
	statusInvalidKernel         = -48
	statusInvalidArgIndex       = -49
	statusInvalidArgValue       = -50
	statusInvalidArgSize        = -51
	statusInvalidKernelArgs     = -52
	statusInvalidWorkDimension  = -53
	statusInvalidWorkGroupSize  = -54
	statusInvalidOperation      = -59
	statusInvalidGlobalWorkSize = -63
	statusInvalidBufferSize     = -61
	statusOutOfResources        = -5
)
