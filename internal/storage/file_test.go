package storage

import (
	"context"
	"testing"

	logx "signbot/pkg/logx"
)

func TestFileStoreRoundTrip(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()

	if _, ok, err := st.Get(ctx, "record", "missing"); err != nil || ok {
		t.Fatalf("get missing: ok=%v err=%v", ok, err)
	}

	if err := st.Put(ctx, "record", "8月29日", `["a","b"]`); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, ok, err := st.Get(ctx, "record", "8月29日")
	if err != nil || !ok || v != `["a","b"]` {
		t.Fatalf("get: v=%q ok=%v err=%v", v, ok, err)
	}

	if err := st.Put(ctx, "record", "8月29日", `["a","b","c"]`); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, _, _ = st.Get(ctx, "record", "8月29日")
	if v != `["a","b","c"]` {
		t.Fatalf("overwrite not applied: %q", v)
	}

	if err := st.Delete(ctx, "record", "8月29日"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := st.Get(ctx, "record", "8月29日"); ok {
		t.Fatal("key survived delete")
	}
}

func TestFileStoreKeysAndNamespaces(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()

	_ = st.Put(ctx, "record", "k2", "v")
	_ = st.Put(ctx, "record", "k1", "v")
	_ = st.Put(ctx, "site", "s1", "v")
	_ = st.Put(ctx, "stale", "x", "v")

	keys, err := st.Keys(ctx, "record")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "k1" || keys[1] != "k2" {
		t.Fatalf("keys = %v", keys)
	}

	nss, err := st.Namespaces(ctx)
	if err != nil {
		t.Fatalf("namespaces: %v", err)
	}
	if len(nss) != 3 {
		t.Fatalf("namespaces = %v", nss)
	}

	if err := st.DeleteNamespace(ctx, "stale"); err != nil {
		t.Fatalf("delete namespace: %v", err)
	}
	nss, _ = st.Namespaces(ctx)
	for _, ns := range nss {
		if ns == "stale" {
			t.Fatal("stale namespace survived delete")
		}
	}
	st.Close()

	// Reopen and verify persistence.
	st2, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	v, ok, err := st2.Get(ctx, "site", "s1")
	if err != nil || !ok || v != "v" {
		t.Fatalf("persisted get: v=%q ok=%v err=%v", v, ok, err)
	}
}

func TestFileStoreRejectsBadNamespace(t *testing.T) {
	st, _ := Open(Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	defer st.Close()
	if err := st.Put(context.Background(), "../escape", "k", "v"); err == nil {
		t.Fatal("expected error for path-unsafe namespace")
	}
}
