// Package storage persists users, their linked accounts, the last delivered
// state of every tracked structure and the set of notification ids already
// seen.
//
// Backends:
//   - "sqlite": embedded database file (modernc.org/sqlite, the default)
//   - "postgres": server database (github.com/lib/pq)
//   - "memory": process-local maps, for tests and dry runs
package storage
