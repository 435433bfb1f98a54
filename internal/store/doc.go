// Package store manages named databases on disk.
//
// A Handle is one open database. Open creates or upgrades it, running schema
// setup callbacks inside the engine's version-change transaction; Delete
// removes its files; Close releases it. Every later pipeline or transaction
// takes the Handle explicitly, so several databases can be open side by side.
//
// # Files
//
// A database named n lives at <dir>/<escaped n><ext>, where ext depends on
// the backend (".sqlite" or ".bolt"). Names are path-escaped, so any string
// is a valid database name.
//
// # Concurrency
//
// A Handle is safe for concurrent use. Transactions are serialized by the
// backend. Close waits for transaction creation in flight and then fails
// later calls with ErrClosed.
package store
