// Package mccache implements an in-process, eventually-consistent
// distributed cache for a small cluster of peer nodes on a common LAN.
// Application code gets a named LocalCache handle from an Engine; the
// Engine transparently propagates mutations to peers over IP
// multicast so that identical keys observed on different nodes
// converge to the same value under a last-writer-wins rule.
//
// It is not a consensus engine: it offers convergence, not
// linearizability. It does not persist data, and it is not a
// replacement for a centralized cache tier under high churn or large
// values.
package mccache
