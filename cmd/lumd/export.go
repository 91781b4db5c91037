package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/OznOg/exanodes-lum/internal/export"
	"github.com/OznOg/exanodes-lum/internal/registry"
	"github.com/OznOg/exanodes-lum/internal/wire"
)

// newExportCommand groups the export-registry operator commands.
// Every subcommand loads the persisted export list; the mutating ones
// change it (the mutators bump the table version) and write it back with
// saveTable, while the list subcommands only read — the same file lumd's
// "serve" reads at startup and during reconcile.
func newExportCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "export",
		Short: "Manage the cluster export registry",
		Args:  cobra.NoArgs,
	}
	root.AddCommand(newExportListCommand())
	root.AddCommand(newExportAddBdevCommand())
	root.AddCommand(newExportAddIscsiCommand())
	root.AddCommand(newExportRemoveCommand())
	root.AddCommand(newExportAddFilterCommand())
	root.AddCommand(newExportRemoveFilterCommand())
	root.AddCommand(newExportListInitiatorsCommand())
	return root
}

func loadTable() (*registry.Table, error) {
	tbl := registry.New()
	if err := tbl.DeserializeFromDisk(cfg.exportFilePath()); err != nil {
		return nil, fmt.Errorf("load export list: %w", err)
	}
	return tbl, nil
}

func saveTable(tbl *registry.Table) error {
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return err
	}
	return tbl.SerializeToDisk(cfg.exportFilePath())
}

func newExportListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List exports in the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl, err := loadTable()
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"UUID", "Type", "LUN", "Path", "Policy", "RO", "Published"})
			tbl.ForEach(func(adm *registry.AdmExport) {
				e := adm.Export
				row := []string{e.UUID().String()}
				switch e.Type() {
				case export.Iscsi:
					row = append(row, "iscsi", wire.LUNToString(e.IscsiLUN()), "", e.FilterPolicy().PolicyToString())
				case export.Bdev:
					row = append(row, "bdev", "", e.BdevPath(), "")
				default:
					row = append(row, "invalid", "", "", "")
				}
				row = append(row, fmt.Sprintf("%v", e.IsReadonly()), fmt.Sprintf("%v", adm.Published))
				table.Append(row)
			})
			table.Render()
			fmt.Printf("table version: %d\n", tbl.GetVersion())
			return nil
		},
	}
}

func newExportAddBdevCommand() *cobra.Command {
	var readonly bool
	cmd := &cobra.Command{
		Use:   "add-bdev UUID PATH",
		Short: "Add a block-device export",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			uuid, err := wire.ParseUUID(args[0])
			if err != nil {
				return fmt.Errorf("invalid uuid %q: %w", args[0], err)
			}
			e, err := export.NewBdev(uuid, args[1])
			if err != nil {
				return err
			}
			e.SetReadonly(readonly)

			tbl, err := loadTable()
			if err != nil {
				return err
			}
			if err := tbl.Insert(&registry.AdmExport{Export: e}); err != nil {
				return err
			}
			if err := saveTable(tbl); err != nil {
				return err
			}
			fmt.Printf("Added bdev export %s -> %s\n", uuid, args[1])
			return nil
		},
	}
	cmd.Flags().BoolVar(&readonly, "readonly", false, "Export the device read-only")
	return cmd
}

func newExportAddIscsiCommand() *cobra.Command {
	var readonly bool
	var policy string
	cmd := &cobra.Command{
		Use:   "add-iscsi UUID LUN",
		Short: "Add an iSCSI logical-unit export",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			uuid, err := wire.ParseUUID(args[0])
			if err != nil {
				return fmt.Errorf("invalid uuid %q: %w", args[0], err)
			}
			lun, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid lun %q: %w", args[1], err)
			}
			pol := wire.PolicyFromString(policy)
			if !pol.IsValid() {
				return fmt.Errorf("invalid --policy %q: must be ACCEPT or REJECT", policy)
			}
			e, err := export.NewIscsi(uuid, lun, pol)
			if err != nil {
				return err
			}
			e.SetReadonly(readonly)

			tbl, err := loadTable()
			if err != nil {
				return err
			}
			if !tbl.LunIsAvailable(lun) {
				return fmt.Errorf("lun %d already in use", lun)
			}
			if err := tbl.Insert(&registry.AdmExport{Export: e}); err != nil {
				return err
			}
			if err := saveTable(tbl); err != nil {
				return err
			}
			fmt.Printf("Added iscsi export %s -> lun %d\n", uuid, lun)
			return nil
		},
	}
	cmd.Flags().BoolVar(&readonly, "readonly", false, "Export the LUN read-only")
	cmd.Flags().StringVar(&policy, "policy", "ACCEPT", "Default filter policy (ACCEPT or REJECT)")
	return cmd
}

func newExportRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove UUID...",
		Short: "Remove one or more exports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl, err := loadTable()
			if err != nil {
				return err
			}
			var allErrs multiError
			for _, raw := range args {
				uuid, err := wire.ParseUUID(raw)
				if err != nil {
					allErrs = append(allErrs, err)
					continue
				}
				if tbl.GetByUUID(uuid) == nil {
					allErrs = append(allErrs, fmt.Errorf("export %s not found", uuid))
					continue
				}
				tbl.RemoveByUUID(uuid)
				fmt.Printf("Removed export %s\n", uuid)
			}
			if err := saveTable(tbl); err != nil {
				return err
			}
			return allErrs.Err()
		},
	}
}

func newExportAddFilterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add-filter UUID PATTERN POLICY",
		Short: "Add an IQN filter to an iSCSI export",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			uuid, err := wire.ParseUUID(args[0])
			if err != nil {
				return err
			}
			pattern, err := wire.FromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid iqn/pattern %q: %w", args[1], err)
			}
			pol := wire.PolicyFromString(args[2])
			if !pol.IsValid() {
				return fmt.Errorf("invalid policy %q: must be ACCEPT or REJECT", args[2])
			}

			tbl, err := loadTable()
			if err != nil {
				return err
			}
			if err := tbl.AddIqnFilter(uuid, pattern, pol); err != nil {
				return err
			}
			if err := saveTable(tbl); err != nil {
				return err
			}
			fmt.Printf("Added filter %s=%s to %s\n", pattern, pol.PolicyToString(), uuid)
			return nil
		},
	}
}

func newExportListInitiatorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list-initiators",
		Short: "List logged-in initiators per LUN from a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get("http://" + cfg.MetricsAddr + "/initiators")
			if err != nil {
				return fmt.Errorf("query daemon at %s: %w", cfg.MetricsAddr, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon at %s answered %s", cfg.MetricsAddr, resp.Status)
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"LUN", "Initiator"})
			sc := bufio.NewScanner(resp.Body)
			for sc.Scan() {
				fields := strings.SplitN(sc.Text(), " ", 2)
				if len(fields) != 2 {
					continue
				}
				table.Append(fields)
			}
			if err := sc.Err(); err != nil {
				return err
			}
			table.Render()
			return nil
		},
	}
}

func newExportRemoveFilterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-filter UUID PATTERN",
		Short: "Remove an IQN filter from an iSCSI export",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			uuid, err := wire.ParseUUID(args[0])
			if err != nil {
				return err
			}
			pattern, err := wire.FromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid iqn/pattern %q: %w", args[1], err)
			}

			tbl, err := loadTable()
			if err != nil {
				return err
			}
			if err := tbl.RemoveIqnFilter(uuid, pattern); err != nil {
				return err
			}
			if err := saveTable(tbl); err != nil {
				return err
			}
			fmt.Printf("Removed filter %s from %s\n", pattern, uuid)
			return nil
		},
	}
}
