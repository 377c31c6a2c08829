// Package application provides the application factory. It wires the
// operational API router, its middleware and the metrics endpoint around the
// storage and messaging handles created during startup, keeping the
// bootstrapper focused on sequencing.
package application
