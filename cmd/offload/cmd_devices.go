package main

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/notargets/offload/device"
	"github.com/notargets/offload/envconfig"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "devices",
		Aliases: []string{"ls"},
		Short:   "List platforms and devices of the selected backend",
		Args:    cobra.NoArgs,
		RunE:    DevicesHandler,
	}
}

func DevicesHandler(cmd *cobra.Command, args []string) error {
	cfg, err := sessionConfig(cmd)
	if err != nil {
		return err
	}
	b, err := device.NewBackend(cfg.Backend)
	if err != nil {
		return err
	}
	platforms, err := device.Inventory(b)
	if err != nil {
		return err
	}
	if len(platforms) == 0 {
		return device.NewError(device.ErrNoPlatform, "GetPlatforms", 0, "backend %s reports no platforms", b.Name())
	}

	var data [][]string
	for _, p := range platforms {
		if len(p.Devices) == 0 {
			data = append(data, []string{p.Name, "-", "-", "-", "-"})
			continue
		}
		for _, d := range p.Devices {
			mem := "unknown"
			if d.GlobalMemSize() > 0 {
				mem = humanize.IBytes(uint64(d.GlobalMemSize()))
			}
			data = append(data, []string{p.Name, d.Name(), d.Class().String(), mem, fmt.Sprint(d.MaxWorkGroupSize())})
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "backend %s\n", b.Name())
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"PLATFORM", "DEVICE", "CLASS", "MEMORY", "MAX WORK-GROUP"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show the OFFLOAD_* environment configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vars := envconfig.AsMap()
			names := make([]string, 0, len(vars))
			for name := range vars {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%v\n", name, vars[name].Value)
			}
			return nil
		},
	}
}
