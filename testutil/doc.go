// Package testutil provides helpers shared by package tests: an embedded NATS
// server, an in-memory publisher, and throwaway X.509 material.
package testutil
