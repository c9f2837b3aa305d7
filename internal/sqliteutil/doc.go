// Package sqliteutil holds the SQLite plumbing shared by the embedded bus and
// store: connection setup, busy retries, transactions, and embedded migrations.
package sqliteutil
