// Package workertransport is the cross-process client/server split over a
// jobqueue.JobQueue: a WorkerServer exposes lease/complete/fail/progress/
// chunk operations as plain net/http + encoding/json handlers, and a
// WorkerClient calls them from a separate process. They communicate only
// through that HTTP surface and the server's in-memory chunk subscription
// hub — no shared storage handle crosses the process boundary, unlike the
// same-process jobqueue.JobQueue callers elsewhere in this module.
//
// This is deliberately not an RPC framework: no generated stubs, no wire
// schema beyond the jobqueue.Job JSON tags already used for persistence.
// See DESIGN.md for why a generated-stub framework (Connect, gRPC) was
// considered and dropped.
package workertransport
