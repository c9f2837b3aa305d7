// Package store defines the state-store contract shared by every stage.
//
// Two backends implement it: sqlitestore keeps JSON documents in a local
// SQLite file and mutates them with json_set, and mongostore uses MongoDB with
// $set on dotted paths. Both honour the same rules: create-once campaigns,
// monotonic status, whole-document upserts for side entities at their natural
// key, and a lease table backing the claim ledger.
package store
