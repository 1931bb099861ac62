// Package broker defines the uniform message-broker contract and the
// gateway facade application code depends on.
//
// A MessageBroker adapter implements connect, disconnect, publish, consume
// and remove against one backend. Backends differ materially in delivery
// and deletion semantics; adapters that cannot support targeted deletion
// report it through Capabilities and treat Remove as a logged no-op rather
// than an error, so callers of the uniform interface never need per-backend
// branches.
//
// Adapters lazily materialize per-topic resources on first use and cache
// them for the adapter's lifetime. All operations accept a context and
// return in bounded time; Consume in particular never blocks indefinitely.
package broker
