// Package harness runs YAML pipeline scenarios and records their traces.
//
// A scenario declares stores (inline, or from a CUE schema file), then a
// list of pipelines. Each pipeline names its scope, mode and steps, and
// may state the result or error class it expects:
//
//	name: copy_item
//	description: copies a record between stores
//	stores:
//	  - {name: items, key_path: id, indexes: [{name: byCount, key_path: count}]}
//	  - {name: items2, key_path: id}
//	pipelines:
//	  - scope: [items, items2]
//	    mode: readwrite
//	    steps:
//	      - {op: add, store: items, data: {id: "1", count: 2}}
//	      - {op: get, store: items, key: "1"}
//	      - {op: add, store: items2, data_from: previous}
//	    expect: {result: "1"}
//
// Run executes the scenario against a fresh database with a fixed run ID,
// tracing every step's resolved descriptor and every run's outcome.
// RunWithGolden compares that trace with a golden file using goldie.
package harness
