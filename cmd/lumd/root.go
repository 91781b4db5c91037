// Package main is the lumd daemon entrypoint: a thin spf13/cobra command
// tree over the LUM core packages, one subcommand per file.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// version is stamped by the release process; left as a plain constant
// here since this module has no build-time ldflags wiring of its own.
const version = "0.0.0-dev"

var bold = color.New(color.Bold).SprintfFunc()

// LumConfig is the daemon-wide configuration, populated from flags; there
// is deliberately no config-file layer on top.
type LumConfig struct {
	CacheDir    string
	ClusterName string
	NodeID      uint32
	ListenAddr  string
	MetricsAddr string

	// CHAP credentials are parsed from flags but not read by the target:
	// AuthMethod negotiation accepts CHAP whether or not they are set, and
	// the challenge/response exchange itself is not performed.
	CHAP CHAPCredentials
}

// CHAPCredentials holds the configured CHAP identity. Authentication is a
// stub: the AuthMethod parameter is negotiated, the exchange never runs.
type CHAPCredentials struct {
	Username string
	Password string
}

func (c *LumConfig) exportFilePath() string {
	return c.CacheDir + "/exports"
}

var cfg LumConfig

// multiError collects per-argument failures from commands that loop over a
// list of targets (e.g. "export remove UUID..."), so one bad argument
// doesn't abort processing of the rest.
type multiError []error

func (m multiError) Error() string {
	s := ""
	for i, e := range m {
		if i > 0 {
			s += "; "
		}
		s += e.Error()
	}
	return s
}

func (m multiError) Err() error {
	if len(m) == 0 {
		return nil
	}
	return m
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "lumd",
		Version: version,
		Short:   "LUN Management core: cluster iSCSI/SCSI export daemon",
		Long: `lumd presents cluster-managed logical volumes to external initiators as
SCSI logical units over an iSCSI target, keeps the set of exports
consistent across cluster nodes, enforces per-initiator access, and
arbitrates SCSI Persistent Reservations across the cluster.`,
	}
	root.DisableAutoGenTag = true

	root.PersistentFlags().StringVar(&cfg.CacheDir, "cache-dir", "/var/cache/lum", "Directory holding the persisted export list")
	root.PersistentFlags().StringVar(&cfg.ClusterName, "cluster-name", "default", "Cluster name used to derive this target's IQN")
	root.PersistentFlags().Uint32Var(&cfg.NodeID, "node-id", 0, "This node's cluster member id")
	root.PersistentFlags().StringVar(&cfg.ListenAddr, "listen-addr", "0.0.0.0", "iSCSI target listen address (port is always 3260)")
	root.PersistentFlags().StringVar(&cfg.MetricsAddr, "metrics-addr", "127.0.0.1:9100", "Prometheus metrics listen address")
	root.PersistentFlags().StringVar(&cfg.CHAP.Username, "chap-username", "", "CHAP username (stub: not used by the target; no challenge/response is performed)")
	root.PersistentFlags().StringVar(&cfg.CHAP.Password, "chap-password", "", "CHAP password (stub: not used by the target; no challenge/response is performed)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newExportCommand())
	root.AddCommand(newMetricsCommand())

	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, bold("error:"), err)
		os.Exit(1)
	}
}
