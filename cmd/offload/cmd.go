package main

import (
	goflag "flag"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/notargets/offload/device"
	_ "github.com/notargets/offload/device/emu"
	_ "github.com/notargets/offload/device/occa"
	_ "github.com/notargets/offload/device/opencl"
	"github.com/notargets/offload/envconfig"
	"github.com/notargets/offload/runner"
)

// errVerification is returned when a pipeline ran but its output was wrong.
var errVerification = errors.New("verification failed")

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI builds the offload command tree.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "offload",
		Short:         "Run vector addition and matrix multiplication on a compute device",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)
	rootCmd.PersistentFlags().String("backend", "", "Device backend as <name>:<config> (overrides OFFLOAD_BACKEND)")
	rootCmd.PersistentFlags().String("class", "", "Device class: gpu, cpu, accelerator, all (overrides OFFLOAD_DEVICE_CLASS)")

	vecaddCmd := newVecAddCmd()
	matmulCmd := newMatMulCmd()
	devicesCmd := newDevicesCmd()
	envCmd := newEnvCmd()

	envVars := envconfig.AsMap()
	for _, cmd := range []*cobra.Command{vecaddCmd, matmulCmd} {
		appendEnvDocs(cmd, []envconfig.EnvVar{
			envVars["OFFLOAD_BACKEND"],
			envVars["OFFLOAD_DEVICE_CLASS"],
			envVars["OFFLOAD_KERNEL_DIR"],
			envVars["OFFLOAD_WORKERS"],
		})
	}
	appendEnvDocs(devicesCmd, []envconfig.EnvVar{envVars["OFFLOAD_BACKEND"]})

	rootCmd.AddCommand(vecaddCmd, matmulCmd, devicesCmd, envCmd)
	return rootCmd
}

// sessionConfig merges the persistent flags over the environment.
func sessionConfig(cmd *cobra.Command) (runner.Config, error) {
	backend, _ := cmd.Flags().GetString("backend")
	if backend == "" {
		backend = envconfig.Backend()
	}
	cfg := runner.Config{
		Backend: envconfig.BackendWithWorkers(backend),
		Class:   envconfig.DeviceClass(),
	}
	if s, _ := cmd.Flags().GetString("class"); s != "" {
		c, ok := device.ParseClass(s)
		if !ok {
			return cfg, errors.Errorf("invalid device class %q", s)
		}
		cfg.Class = c
	}
	cfg.BuildOptions, _ = cmd.Flags().GetString("build-options")
	return cfg, nil
}

// printError reports err the way a failed device call is traced: the call
// site, the failing operation and the backend status code. A compiler failure
// prints the compiler log instead.
func printError(w io.Writer, err error) {
	var be *device.BuildError
	if errors.As(err, &be) {
		fmt.Fprintf(w, "Compiler error:\n%s\n", be.Log)
		return
	}
	if errors.Is(err, errVerification) {
		fmt.Fprintln(w, err)
		return
	}
	site := device.CallSite(err)
	if site == "" {
		fmt.Fprintf(w, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(w, "[%s] %v\n", site, err)
}
