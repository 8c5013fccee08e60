// Package pebblestore implements storage.Backend on top of Pebble: gob-encoded
// rows under byte-ordered keys, secondary-index shadow rows, and
// compare-and-set via Pebble's batch commit, with a configurable fsync
// policy.
//
// Usage:
//
//	backend, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer backend.Close()
//
//	_, err = backend.Put(context.Background(), storage.Row{
//	    Key:     storage.Key{Table: "events", PartitionKey: []byte("shard-1"), ClusteringKey: []byte("0001")},
//	    Columns: map[string][]byte{"document": []byte(`{"order_id":"o-1"}`)},
//	}, storage.Quorum)
package pebblestore
