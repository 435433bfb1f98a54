// Package pipeline chains requests against a single transaction.
//
// A pipeline is built by queuing steps (GetAll, Get, Add, Put, Delete,
// Search), each addressed by a Source. Run begins the transaction and
// executes the steps strictly in order: a Derived source is evaluated only
// after the previous step has completed, and receives that step's result.
//
//	res, err := pipeline.Begin(h, []string{"items", "items2"}, pipeline.ReadWrite).
//		Add(pipeline.Fixed(pipeline.Descriptor{Store: "items", Data: rec})).
//		Get(pipeline.Fixed(pipeline.Descriptor{Store: "items", Key: "1"})).
//		Add(pipeline.Derived(func(prev any) pipeline.Descriptor {
//			return pipeline.Descriptor{Store: "items2", Data: prev}
//		})).
//		Run(ctx)
//
// Step results: get yields the record or nil, getAll and search yield a
// list, add and put yield the primary key, delete yields nil. Run returns
// the last step's result after the transaction commits.
//
// A failing step aborts the whole transaction; Run then returns a
// *TransactionError wrapping a *StepError.
package pipeline
