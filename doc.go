// Package pagesync provides an offline-first, versioned key/value store
// with cloud synchronization.
//
// Each page is an immutable, content-addressed commit graph: a write
// produces a new commit whose B-tree root shares all unchanged structure
// with its parent. A background sync engine exchanges commits and objects
// with a pluggable cloud backend and merges divergent histories, so every
// device converges to the same head without coordination. Local operations
// never depend on the network.
//
// Basic usage (local only):
//
//	store, _ := pagesync.Open()
//	defer store.Close()
//
//	page, _ := store.OpenPage("notes")
//
//	// Store and read entries
//	page.Put(ctx, []byte("title"), []byte("hello"))
//	data, _ := page.Get(ctx, []byte("title"))
//
//	// Batch several mutations into one commit
//	page.Update(ctx, func(tx *pagesync.Tx) error {
//		tx.Put([]byte("a"), []byte("1"))
//		tx.Delete([]byte("obsolete"))
//		return nil
//	})
//
//	// Iterate a point-in-time view in key order
//	snap, _ := page.Snapshot(ctx)
//	for key, entry := range snap.Entries(ctx) {
//		fmt.Println(key, entry.Value.Size)
//	}
//
//	// Maintenance
//	stats, _ := page.Stats(ctx)   // heads, commits, sync counters
//	removed, _ := store.GC(ctx)   // drop unreachable objects
//
// With a cloud backend:
//
//	store, _ := pagesync.Open(
//		pagesync.WithCloud(provider),
//		pagesync.WithCredentials(creds),
//	)
//	page, _ := store.OpenPage("notes") // sync runs in the background
//	page.Sync(ctx)                     // or force one pass
package pagesync
