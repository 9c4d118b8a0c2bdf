// Package occa runs kernels through the OCCA runtime. It is compiled only with
// the occa build tag and needs libocca at link time:
//
//	go build -tags occa ./...
//
// The backend registers itself as "occa". Its configuration string is the OCCA
// device property JSON, e.g. `occa:{"mode": "OpenMP"}`. Programs are written in
// OKL; the trailing occa_groupsN and occa_localN parameters of every kernel
// receive the launch geometry of the dispatch.
package occa
