package memorystore

import (
	"context"
	"testing"

	"github.com/mydriatech/fragtale/internal/storage"
)

func TestPutGet(t *testing.T) {
	b := New()
	ctx := context.Background()
	key := storage.Key{Table: "instance", PartitionKey: []byte("p"), ClusteringKey: []byte("0")}
	if _, err := b.Put(ctx, storage.Row{Key: key, Columns: map[string][]byte{"owner": []byte("node-1")}}, storage.Quorum); err != nil {
		t.Fatalf("put: %v", err)
	}
	row, err := b.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(row.Columns["owner"]) != "node-1" {
		t.Fatalf("owner = %q", row.Columns["owner"])
	}
}

func TestGetNotFound(t *testing.T) {
	b := New()
	_, err := b.Get(context.Background(), storage.Key{Table: "instance", PartitionKey: []byte("p"), ClusteringKey: []byte("missing")})
	if err != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompareAndSet(t *testing.T) {
	b := New()
	ctx := context.Background()
	key := storage.Key{Table: "instance", PartitionKey: []byte("p"), ClusteringKey: []byte("0")}

	if _, err := b.CompareAndSet(ctx, key, nil, storage.Row{Key: key, Columns: map[string][]byte{"owner": []byte("a")}}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := b.CompareAndSet(ctx, key, nil, storage.Row{Key: key, Columns: map[string][]byte{"owner": []byte("b")}}); err != storage.ErrCASMismatch {
		t.Fatalf("expected mismatch on double-claim, got %v", err)
	}
	if _, err := b.CompareAndSet(ctx, key, map[string][]byte{"owner": []byte("a")}, storage.Row{Key: key, Columns: map[string][]byte{"owner": []byte("b")}}); err != nil {
		t.Fatalf("renew: %v", err)
	}
	row, _ := b.Get(ctx, key)
	if string(row.Columns["owner"]) != "b" {
		t.Fatalf("owner after renew = %q", row.Columns["owner"])
	}
}

func TestScanOrdering(t *testing.T) {
	b := New()
	ctx := context.Background()
	part := []byte("shard-1")
	for _, ck := range []string{"03", "01", "02"} {
		key := storage.Key{Table: "events_t", PartitionKey: part, ClusteringKey: []byte(ck)}
		if _, err := b.Put(ctx, storage.Row{Key: key, Columns: map[string][]byte{"v": []byte(ck)}}, storage.Local); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	cur, err := b.Scan(ctx, "events_t", storage.ScanRange{PartitionKey: part})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	defer cur.Close()
	var got []string
	for cur.Next(ctx) {
		got = append(got, string(cur.Row().Columns["v"]))
	}
	want := []string{"01", "02", "03"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestQueryIndex(t *testing.T) {
	b := New()
	ctx := context.Background()
	spec := storage.IndexSpec{Table: "events_t", Column: "user_id"}
	if err := b.CreateSecondaryIndex(ctx, spec); err != nil {
		t.Fatalf("create index: %v", err)
	}
	key1 := storage.Key{Table: "events_t", PartitionKey: []byte("shard-1"), ClusteringKey: []byte("01")}
	key2 := storage.Key{Table: "events_t", PartitionKey: []byte("shard-1"), ClusteringKey: []byte("02")}
	b.Put(ctx, storage.Row{Key: key1, Columns: map[string][]byte{"user_id": []byte("u1")}}, storage.Local)
	b.Put(ctx, storage.Row{Key: key2, Columns: map[string][]byte{"user_id": []byte("u2")}}, storage.Local)

	cur, err := b.QueryIndex(ctx, spec, []byte("u2"), storage.ScanRange{})
	if err != nil {
		t.Fatalf("query index: %v", err)
	}
	defer cur.Close()
	if !cur.Next(ctx) {
		t.Fatalf("expected one match")
	}
	if string(cur.Row().Columns["user_id"]) != "u2" {
		t.Fatalf("unexpected match: %v", cur.Row().Columns)
	}
	if cur.Next(ctx) {
		t.Fatalf("expected exactly one match")
	}
}
