package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/notargets/offload/envconfig"
	"github.com/notargets/offload/verify"
	"github.com/notargets/offload/workload"
)

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("kernel-dir", "", "Directory with kernel sources (overrides OFFLOAD_KERNEL_DIR)")
	cmd.Flags().String("build-options", "", "Options passed to the device compiler")
	cmd.Flags().Int64("seed", workload.DefaultSeed, "Seed for the input data")
}

func runOptions(cmd *cobra.Command) (workload.Options, error) {
	cfg, err := sessionConfig(cmd)
	if err != nil {
		return workload.Options{}, err
	}
	dir, _ := cmd.Flags().GetString("kernel-dir")
	if dir == "" {
		dir = envconfig.KernelDir()
	}
	seed, _ := cmd.Flags().GetInt64("seed")
	return workload.Options{Session: cfg, KernelDir: dir, Seed: seed}, nil
}

func report(cmd *cobra.Command, res *workload.Result) error {
	res.Print(cmd.OutOrStdout())
	if !res.Report.OK() {
		return errors.Wrapf(errVerification, "%s: %s", res.Workload, res.Report)
	}
	return nil
}

func newVecAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vecadd",
		Short: "Add two integer vectors on the device and verify the sum",
		Args:  cobra.NoArgs,
		RunE:  VecAddHandler,
	}
	addRunFlags(cmd)
	cmd.Flags().Int("n", workload.VectorSize, "Vector length")
	cmd.Flags().Int("local", workload.VectorLocalSize, "Work-group size")
	return cmd
}

func VecAddHandler(cmd *cobra.Command, args []string) error {
	opts, err := runOptions(cmd)
	if err != nil {
		return err
	}
	n, _ := cmd.Flags().GetInt("n")
	local, _ := cmd.Flags().GetInt("local")
	res, err := workload.VecAdd(workload.VecAddOptions{Options: opts, N: n, Local: local})
	if err != nil {
		return err
	}
	return report(cmd, res)
}

func newMatMulCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "matmul",
		Short: "Multiply two float matrices on the device and verify the product",
		Args:  cobra.NoArgs,
		RunE:  MatMulHandler,
	}
	addRunFlags(cmd)
	cmd.Flags().Int("rows", workload.MatrixRows, "Rows of A and C")
	cmd.Flags().Int("inner", workload.MatrixInner, "Columns of A, rows of B")
	cmd.Flags().Int("cols", workload.MatrixCols, "Columns of B and C")
	cmd.Flags().Int("local-x", workload.MatrixLocalX, "Work-group width (columns)")
	cmd.Flags().Int("local-y", workload.MatrixLocalY, "Work-group height (rows)")
	cmd.Flags().Float64("abs-tol", 0, "Absolute tolerance (default 1e-6)")
	cmd.Flags().Float64("rel-tol", 0, "Relative tolerance (default inner * 2^-23)")
	cmd.Flags().Bool("exact", false, "Require bit-identical results")
	return cmd
}

func MatMulHandler(cmd *cobra.Command, args []string) error {
	opts, err := runOptions(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	mo := workload.MatMulOptions{Options: opts}
	mo.Rows, _ = flags.GetInt("rows")
	mo.Inner, _ = flags.GetInt("inner")
	mo.Cols, _ = flags.GetInt("cols")
	mo.LocalX, _ = flags.GetInt("local-x")
	mo.LocalY, _ = flags.GetInt("local-y")

	tol := verify.DefaultMatMulTolerance(mo.Inner)
	if exact, _ := flags.GetBool("exact"); exact {
		tol = verify.Exact
	}
	if flags.Changed("abs-tol") {
		tol.Abs, _ = flags.GetFloat64("abs-tol")
	}
	if flags.Changed("rel-tol") {
		tol.Rel, _ = flags.GetFloat64("rel-tol")
	}
	mo.Tolerance = &tol

	res, err := workload.MatMul(mo)
	if err != nil {
		return err
	}
	return report(cmd, res)
}
