// Package storage initializes the relational connection pool used by the
// rest of the process. Open is called exactly once during startup.
package storage
