package main

import (
	"context"
	"os"

	"k8s.io/klog/v2"
)

func main() {
	defer klog.Flush()
	if err := NewCLI().ExecuteContext(context.Background()); err != nil {
		printError(os.Stderr, err)
		klog.Flush()
		os.Exit(1)
	}
}
