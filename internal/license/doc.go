// Package license implements the core license key protocol: issuing and
// verifying self-contained signed keys, and the domain model for license
// records and machine activations.
//
// A license key is an opaque base64 blob wrapping a JSON envelope
// {"data": <payload>, "sig": <hex HMAC-SHA256>}. The payload carries the
// buyer identity, product, issue timestamp and optional expiry; the
// signature is keyed on a process-wide secret, so any mutation of the
// payload invalidates the key. Keys are handed to buyers and presented
// back on verification; the durable LicenseRecord, not the key contents,
// is the source of truth for activation state.
package license
