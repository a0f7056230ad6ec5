// Package keep is an embedded key-value persistence engine. Small
// values live in one consolidated binary file mirrored by an in-memory
// table; larger or independently updated values live in one file per
// key. All writes are debounced or queued and committed through an
// atomic temp-and-rename, so a crash never leaves a torn file behind.
//
// Values are typed through a closed tagged union (Value) and accessed
// through typed keys (Key) bound to an open Store. Keys can be flagged
// removable for bulk cache sweeps, placed in external per-key files,
// or sealed through an injected Encrypter. Dynamically named children
// of a parent key are tracked by persisted sub-key collections.
//
// A Store is constructed explicitly and owns everything it opens:
//
//	store, err := keep.Open(
//		keep.WithDir("/var/lib/myapp"),
//		keep.WithEncrypter(sealer),
//	)
//	if err != nil { ... }
//	defer store.Close(context.Background())
//
//	visits, err := keep.NewKey[int64](store, "visits")
//	if err != nil { ... }
//	_ = visits.Set(ctx, 42)
package keep
