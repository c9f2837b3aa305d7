// Package sqlitestore implements store.Store on a local SQLite file.
//
// Campaigns and side entities are JSON documents. Lifecycle mutations patch
// the campaign document with json_set inside a single UPDATE so concurrent
// overlay workers writing different output slots never lose each other's
// writes. Status transitions are guarded in the WHERE clause, which keeps them
// monotonic without read-modify-write.
package sqlitestore
