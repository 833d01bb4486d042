/*
Package domain contains the core entities and interfaces of the proxy's
data-plane decision engine.

This package implements the Domain layer of Clean Architecture, providing:
- Core entities (Backend, Destination, CandidateSet)
- Decision interfaces (Selector, AffinityProvider, FailurePolicy, ProbeTransport)
- Health-state hysteresis and in-flight accounting
- Configuration value objects bound into strategies at setup time

The domain package is independent of transport and infrastructure, so the
routing logic stays testable without a running server.

Key Components:

Backend and Destination:
A Backend is a logical upstream service. Its configuration is replaced
atomically on topology update, so a request observes either the old or the
new config entirely, never a mix. Destinations carry probed health state
with consecutive-result hysteresis and an atomic in-flight counter.

	b := domain.NewBackend("api", bound)
	b.AddDestination(domain.NewDestination("api-1", "http://10.0.0.1:8080", 1))
	candidates := b.Snapshot()

CandidateSet:
An immutable per-request snapshot of eligible destinations. Narrowing by
health or by affinity always produces a new set, so a racing topology
update can never mutate what a request already holds.

Strategy Binding:
Load-balancing policy, affinity mode, and affinity-failure policy are
selected by string ids in BackendConfig. A Binder resolves those ids into
strategy objects once, at configuration time; unknown ids are rejected
there and never surface per request.
*/
package domain
