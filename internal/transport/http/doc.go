// Package http implements the HTTP handlers for the license service.
// Handlers stay thin: they parse and validate requests, call the service
// layer, and translate outcomes into JSON responses; every business rule
// lives below them.
package http
