// Package storage persists rule module state documents and the dispatch
// journal.
//
// It currently supports:
//   - Named JSON documents (daily, periodic and custom rule state)
//   - An append-only journal of send outcomes
package storage
