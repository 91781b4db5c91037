package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/OznOg/exanodes-lum/internal/cluster"
	"github.com/OznOg/exanodes-lum/internal/export"
	"github.com/OznOg/exanodes-lum/internal/wire"
)

func TestReconcileAdoptsBestVersion(t *testing.T) {
	colls := cluster.NewMockCluster(1, 2)
	dir := t.TempDir()

	stale := New()
	fresh := New()
	e, _ := export.NewIscsi(testUUID(10), 0, wire.FilterAccept)
	if err := fresh.Insert(&AdmExport{Export: e}); err != nil {
		t.Fatal(err)
	}
	// fresh now has version 2; stale stays at version 1 (empty).

	r1 := NewReconciler(stale, colls[0], filepath.Join(dir, "node1.xml"), Hooks{})
	r2 := NewReconciler(fresh, colls[1], filepath.Join(dir, "node2.xml"), Hooks{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = r1.Run(context.Background()) }()
	go func() { defer wg.Done(); errs[1] = r2.Run(context.Background()) }()
	wg.Wait()

	if errs[0] != nil {
		t.Fatalf("node1 reconcile: %v", errs[0])
	}
	if errs[1] != nil {
		t.Fatalf("node2 reconcile: %v", errs[1])
	}

	if stale.GetNumber() != 1 {
		t.Fatalf("expected stale node to adopt 1 export, got %d", stale.GetNumber())
	}
	if stale.GetVersion() != fresh.GetVersion() {
		t.Fatalf("expected matching versions, got %d vs %d", stale.GetVersion(), fresh.GetVersion())
	}
	got := stale.GetByUUID(testUUID(10))
	if got == nil || !got.Export.IsEqual(e) {
		t.Fatal("expected adopted export to match the best node's export")
	}
}

func TestReconcileRunsHooksInOrder(t *testing.T) {
	colls := cluster.NewMockCluster(1)
	tbl := New()
	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}
	hooks := Hooks{
		LocalPeers:        func() []byte { record("peers"); return nil },
		LocalListenAddrs:  func() []byte { record("listen-addrs"); return nil },
		InstallMembership: func(m []cluster.NodeID) { record("membership") },
		RepublishAll:      func(e []*AdmExport) { record("republish") },
		StartTarget:       func() error { record("start-target"); return nil },
	}
	r := NewReconciler(tbl, colls[0], filepath.Join(t.TempDir(), "reg.xml"), hooks)
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("expected 5 hook invocations, got %v", order)
	}
	if order[2] != "membership" || order[3] != "republish" || order[4] != "start-target" {
		t.Fatalf("unexpected hook order: %v", order)
	}
}
