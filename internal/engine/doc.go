// Package engine implements an IndexedDB-style object-store engine on top
// of a kv database.
//
// The engine owns the rules the rest of kvpipe relies on: versioned open
// with an upgrade callback, object stores with in-line or out-of-line keys
// and key generators, secondary indexes kept in step with every write, and
// equality cursors over an index.
//
// LAYOUT:
//
// Each object store is stored in kv buckets:
//   - "__catalog": store name -> store metadata (JSON)
//   - "__keygen": store name -> next generated key (uint64, big endian)
//   - "s:<store>": encoded primary key -> canonical JSON record
//   - "i:<store>\x00<index>": encoded index key + encoded primary key ->
//     encoded primary key
//
// Keys are encoded with record.Key.Encode, whose byte order matches key
// order, so a kv prefix scan over an index bucket visits equal index keys in
// primary key order, the order an IndexedDB cursor uses.
//
// TRANSACTIONS:
//
// Every Transaction wraps exactly one kv transaction. Schema changes are
// only possible inside the version-change transaction that Open runs when
// the requested version is above the stored one; if the upgrade callback
// fails, that transaction rolls back and the database is left untouched.
package engine
