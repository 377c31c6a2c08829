// Package server runs the HTTP listener in one of two modes: a production
// server whose connection concurrency is capped at a worker count, and a
// development server with request-level debug diagnostics. Both bind the
// fixed address 0.0.0.0:5000 when started by the bootstrapper.
package server
