// Package httputil provides the HTTP edge shared by every handler:
// JSON encoding, error-to-status mapping for the platform's error
// taxonomy, parameter parsing, and the standard middleware chain
// (request ID, panic recovery, structured request logging).
package httputil
