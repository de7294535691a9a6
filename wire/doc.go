// Package wire defines the cross-context message protocol spoken between
// the embed host, the authentication surface, and the forum surface. The
// JSON field names and control type tags in this package are the interop
// contract with the hosted surfaces and must not change.
package wire
