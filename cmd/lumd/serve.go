package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/OznOg/exanodes-lum/internal/cluster"
	"github.com/OznOg/exanodes-lum/internal/iscsi"
	"github.com/OznOg/exanodes-lum/internal/lum"
	"github.com/OznOg/exanodes-lum/internal/metrics"
	"github.com/OznOg/exanodes-lum/internal/pr"
	"github.com/OznOg/exanodes-lum/internal/registry"
	"github.com/OznOg/exanodes-lum/internal/scsi"
)

// newServeCommand builds the long-running daemon: it wires every
// component together (export registry, SCSI command layer, iSCSI target,
// cluster PR engine, LUM executive glue) and blocks serving iSCSI
// connections until interrupted.
func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the LUM iSCSI/SCSI export daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
	return cmd
}

func runServe(ctx context.Context, cfg LumConfig) error {
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return fmt.Errorf("lumd: create cache dir: %w", err)
	}

	targetIQN := iscsi.TargetIQN(cfg.ClusterName)
	logrus.WithField("target-iqn", targetIQN).WithField("node-id", cfg.NodeID).Info("lumd: starting")

	table := registry.New()
	exportPath := cfg.exportFilePath()
	if err := table.DeserializeFromDisk(exportPath); err != nil {
		return fmt.Errorf("lumd: load export list: %w", err)
	}
	table.SetPersister(func(data []byte) error { return registry.WriteExportsFile(exportPath, data) })

	metricsReg := metrics.New(prometheus.DefaultRegisterer)
	metricsReg.ExportCount.Set(float64(table.GetNumber()))
	metricsReg.ExportVersion.Set(float64(table.GetVersion()))

	coll := cluster.NewSingle(cluster.NodeID(cfg.NodeID))
	prEngine := pr.NewEngine(coll)
	prEngine.Metrics = metricsReg

	var server *iscsi.Server
	dispatcher := scsi.NewDispatcher(prEngine)
	dispatcher.Metrics = metricsReg

	opener := &lum.FileOpener{Dir: cfg.CacheDir, DefaultSectors: 2048}
	executive := lum.New(table, dispatcher, opener)
	executive.SetNotifier(func(lun uint64, senseKey byte, asc uint16) {
		if server != nil {
			server.RecomputeAllAuthorizations()
			server.BroadcastAsyncEvent(lun, senseKey, asc)
		}
	})

	pool := iscsi.NewPool(iscsi.ConfigTargetMaxSessions)
	hooks := iscsi.Hooks{
		ResetLUN: func(lun uint64, _ func()) {
			resetOneLUN(dispatcher, prEngine, server, lun)
		},
		ResetAllLUNs: func() {
			for l := uint64(0); l < scsi.MaxLuns; l++ {
				resetOneLUN(dispatcher, prEngine, server, l)
			}
		},
	}

	server = &iscsi.Server{
		Dispatcher: dispatcher,
		Table:      table,
		Pool:       pool,
		Hooks:      hooks,
		TargetIQN:  targetIQN,
		NodeID:     cfg.NodeID,
		BufferSize: iscsi.ConfigDiskMaxBurst,
		PortalAddrs: func() []string {
			return []string{fmt.Sprintf("%s:%d", cfg.ListenAddr, iscsi.ListenPort)}
		},
		OnSessionUp: func(session *iscsi.Session) error {
			metricsReg.SessionsActive.Inc()
			return prEngine.NewSession(context.Background(), session.GlobalSessionID())
		},
		OnSessionDown: func(session *iscsi.Session) {
			metricsReg.SessionsActive.Dec()
			if err := prEngine.DelSession(context.Background(), session.GlobalSessionID()); err != nil {
				logrus.WithError(err).Warn("lumd: del session from PR engine")
			}
		},
	}

	reconciler := registry.NewReconciler(table, coll, exportPath, registry.Hooks{
		RepublishAll: func(exports []*registry.AdmExport) { executive.Republish(exports) },
		StartTarget:  func() error { return nil },
	})
	if err := reconciler.Run(ctx); err != nil {
		metricsReg.ObserveReconcile(err)
		return fmt.Errorf("lumd: initial reconcile: %w", err)
	}
	metricsReg.ObserveReconcile(nil)

	ln, err := iscsi.Listen(ctx, cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	serveCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go serveMetrics(cfg.MetricsAddr, server)

	logrus.WithField("addr", cfg.ListenAddr).Info("lumd: iSCSI target listening")
	return ln.Serve(serveCtx, pool, cfg.NodeID, targetIQN, iscsi.ConfigDiskMaxBurst, server.Handle)
}

// resetOneLUN implements one LUN's half of TARGET WARM/COLD RESET and
// LOGICAL UNIT RESET: abort the LUN's outstanding abortable
// commands via LunSlot.ResetLocalUnit, clear any PR reservation, and
// deliver the BUS_DEVICE_RESET_FUNCTION_OCCURRED unit attention.
func resetOneLUN(dispatcher *scsi.Dispatcher, prEngine *pr.Engine, server *iscsi.Server, lun uint64) {
	slot := dispatcher.Slots[lun]
	if slot == nil || slot.Export() == nil {
		return
	}
	slot.ResetLocalUnit(
		func() { prEngine.ResetLun(lun) },
		func() {
			if server != nil {
				server.BroadcastAsyncEvent(lun, scsi.SenseUnitAttention, scsi.AscBusDeviceResetFunctionOccured)
			}
		},
	)
}

// serveMetrics exposes the Prometheus scrape endpoint plus a small
// operational inspection surface: /initiators lists, per LUN, every
// full-feature initiator currently authorized for it (one "lun iqn" line
// per pair), consumed by "lumd export list-initiators".
func serveMetrics(addr string, server *iscsi.Server) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/initiators", func(w http.ResponseWriter, r *http.Request) {
		for lun := uint64(0); lun < scsi.MaxLuns; lun++ {
			for n := 0; ; n++ {
				iqn, ok := server.ConnectedInitiator(lun, n)
				if !ok {
					break
				}
				fmt.Fprintf(w, "%d %s\n", lun, iqn)
			}
		}
	})
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Warn("lumd: metrics server stopped")
	}
}
