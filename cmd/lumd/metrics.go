package main

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/OznOg/exanodes-lum/internal/metrics"
)

// newMetricsCommand renders the registry metrics for the persisted export
// list in the Prometheus text format, without needing a running daemon:
// useful for piping table health into node_exporter's textfile collector.
func newMetricsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Dump export-registry metrics in Prometheus text format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl, err := loadTable()
			if err != nil {
				return err
			}
			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			m.ExportCount.Set(float64(tbl.GetNumber()))
			m.ExportVersion.Set(float64(tbl.GetVersion()))

			families, err := reg.Gather()
			if err != nil {
				return err
			}
			for _, mf := range families {
				if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
