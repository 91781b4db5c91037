package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/OznOg/exanodes-lum/internal/cluster"
	"github.com/OznOg/exanodes-lum/internal/export"
)

// Hooks lets the reconciliation protocol call out to the layers above the
// registry (the LUM executive and the iSCSI target) for the steps that are
// not about the export table itself.
type Hooks struct {
	// LocalPeers returns this node's serialized peers map for step 1.
	LocalPeers func() []byte
	// InstallPeers receives the union of every node's peers map.
	InstallPeers func(peers map[cluster.NodeID][]byte)
	// LocalListenAddrs returns this node's serialized target listen
	// addresses for step 2.
	LocalListenAddrs func() []byte
	// InstallListenAddrs receives the union of every node's addresses.
	InstallListenAddrs func(addrs map[cluster.NodeID][]byte)
	// InstallMembership installs the agreed membership for step 3.
	InstallMembership func(members []cluster.NodeID)
	// RepublishAll re-publishes every export whose volume is started
	// locally, for step 7.
	RepublishAll func(exports []*AdmExport)
	// StartTarget starts the iSCSI target, for step 8.
	StartTarget func() error
}

// Reconciler drives the registry's recovery protocol across a membership
// change: an eight-step barrier sequence ending with every surviving node
// holding the same export table.
type Reconciler struct {
	table       *Table
	coll        cluster.Collaborator
	persistPath string
	hooks       Hooks
}

// NewReconciler builds a Reconciler bound to table, the cluster
// collaborator coll, the on-disk registry path, and the caller-supplied
// hooks for the non-table steps.
func NewReconciler(table *Table, coll cluster.Collaborator, persistPath string, hooks Hooks) *Reconciler {
	return &Reconciler{table: table, coll: coll, persistPath: persistPath, hooks: hooks}
}

// Run executes the full reconciliation protocol once. It returns the first
// barrier or transport error encountered; per the protocol, that aborts the
// whole recovery for every node, not just this one.
func (r *Reconciler) Run(ctx context.Context) error {
	// Steps 1 and 2 each broadcast an independent piece of local state and
	// barrier on it; neither depends on the other's result, so they fan out
	// concurrently rather than paying two round trips back to back.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.stepPeers(gctx) })
	g.Go(func() error { return r.stepListenAddrs(gctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("reconcile: steps 1-2 (peers/listen-addrs): %w", err)
	}
	if err := r.stepMembership(ctx); err != nil {
		return fmt.Errorf("reconcile: step 3 (membership): %w", err)
	}
	if err := r.stepSyncTable(ctx); err != nil {
		return fmt.Errorf("reconcile: steps 4-6 (table sync): %w", err)
	}
	if r.hooks.RepublishAll != nil {
		exports := make([]*AdmExport, 0, r.table.GetNumber())
		r.table.ForEach(func(a *AdmExport) { exports = append(exports, a) })
		r.hooks.RepublishAll(exports)
	}
	if r.hooks.StartTarget != nil {
		if err := r.hooks.StartTarget(); err != nil {
			return fmt.Errorf("reconcile: step 8 (start target): %w", err)
		}
	}
	return nil
}

func (r *Reconciler) stepPeers(ctx context.Context) error {
	var local []byte
	if r.hooks.LocalPeers != nil {
		local = r.hooks.LocalPeers()
	}
	got, err := r.coll.Broadcast(ctx, "peers", local)
	if err != nil {
		return err
	}
	if r.hooks.InstallPeers != nil {
		r.hooks.InstallPeers(got)
	}
	return r.coll.Barrier(ctx, "peers")
}

func (r *Reconciler) stepListenAddrs(ctx context.Context) error {
	var local []byte
	if r.hooks.LocalListenAddrs != nil {
		local = r.hooks.LocalListenAddrs()
	}
	got, err := r.coll.Broadcast(ctx, "listen-addrs", local)
	if err != nil {
		return err
	}
	if r.hooks.InstallListenAddrs != nil {
		r.hooks.InstallListenAddrs(got)
	}
	return r.coll.Barrier(ctx, "listen-addrs")
}

func (r *Reconciler) stepMembership(ctx context.Context) error {
	members := r.coll.Members()
	if r.hooks.InstallMembership != nil {
		r.hooks.InstallMembership(members)
	}
	return r.coll.Barrier(ctx, "membership")
}

// encodeVersion renders the wire form broadcast in step 4: just the 8-byte
// big-endian version, matching the flat-POD style used elsewhere.
func encodeVersion(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}

func decodeVersion(buf []byte) uint64 {
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return v
}

// stepSyncTable implements steps 4 through 6: version exchange, best-node
// selection, table transfer from the best node, and persistence.
func (r *Reconciler) stepSyncTable(ctx context.Context) error {
	localVersion := r.table.GetVersion()
	versions, err := r.coll.Broadcast(ctx, "version", encodeVersion(localVersion))
	if err != nil {
		return err
	}
	if err := r.coll.Barrier(ctx, "version"); err != nil {
		return err
	}

	best := bestNode(versions)
	bestVersion := decodeVersion(versions[best])
	self := r.coll.Self()
	needUpdate := bestVersion > localVersion

	if self == best {
		logrus.Infof("registry: reconcile: this node (version %d) is the best, announcing send", bestVersion)
	} else if needUpdate {
		logrus.Infof("registry: reconcile: adopting table from node %v (version %d > local %d)", best, bestVersion, localVersion)
	} else {
		logrus.Infof("registry: reconcile: local table (version %d) already matches best, not receiving", localVersion)
	}

	// Every node, regardless of role, broadcasts its own table blob under
	// the same step once: the best node's blob is authoritative, everyone
	// else's is ignored. This keeps the broadcast/barrier call sequence
	// identical across all three roles instead of branching it.
	blob, err := r.serializeLocalTable()
	if err != nil {
		return err
	}
	blobs, err := r.coll.Broadcast(ctx, "export-data", blob)
	if err != nil {
		return err
	}
	if err := r.coll.Barrier(ctx, "export-data"); err != nil {
		return err
	}

	if needUpdate {
		r.table.Clear()
		if err := r.loadTableBlob(blobs[best], bestVersion); err != nil {
			return fmt.Errorf("registry: reconcile: corrupt table from best node %v: %w", best, err)
		}
	}

	if err := r.table.SerializeToDisk(r.persistPath); err != nil {
		return fmt.Errorf("registry: persist after reconcile: %w", err)
	}
	return r.coll.Barrier(ctx, "table-persisted")
}

// bestNode picks (max version, min node id on tie) from the broadcast set.
func bestNode(versions map[cluster.NodeID][]byte) cluster.NodeID {
	ids := make([]cluster.NodeID, 0, len(versions))
	for id := range versions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var best cluster.NodeID
	var bestVersion uint64
	first := true
	for _, id := range ids {
		v := decodeVersion(versions[id])
		if first || v > bestVersion {
			best, bestVersion, first = id, v, false
		}
	}
	return best
}

// serializeLocalTable packs number_of_exports followed by each export's
// serialized bytes in order, into a single blob: the unit the "best node"
// broadcasts and every other updating node deserializes from.
func (r *Reconciler) serializeLocalTable() ([]byte, error) {
	n := r.table.GetNumber()
	out := encodeVersion(uint64(n))
	var packErr error
	r.table.ForEach(func(a *AdmExport) {
		if packErr != nil {
			return
		}
		buf := make([]byte, export.SerializedSize())
		if _, err := a.Export.Serialize(buf); err != nil {
			packErr = err
			return
		}
		out = append(out, buf...)
	})
	return out, packErr
}

// loadTableBlob is the inverse of serializeLocalTable; it fails hard on a
// malformed entry rather than skipping it. Unlike the tolerant on-disk XML
// parser, this is a live cluster-consistency path where divergence must
// not be silently absorbed.
func (r *Reconciler) loadTableBlob(blob []byte, version uint64) error {
	if len(blob) < 8 {
		return fmt.Errorf("registry: reconcile: truncated table blob")
	}
	n := int(decodeVersion(blob[:8]))
	rest := blob[8:]
	size := export.SerializedSize()
	for i := 0; i < n; i++ {
		if len(rest) < size {
			return fmt.Errorf("registry: reconcile: truncated export %d", i)
		}
		e, err := export.Deserialize(rest[:size])
		if err != nil {
			return fmt.Errorf("registry: reconcile: export %d: %w", i, err)
		}
		if err := r.table.Insert(&AdmExport{Export: e}); err != nil {
			return fmt.Errorf("registry: reconcile: insert export %d: %w", i, err)
		}
		rest = rest[size:]
	}
	r.table.SetVersion(version)
	return nil
}
