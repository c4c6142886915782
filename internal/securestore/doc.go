// Package securestore persists key/value credential blobs across process
// restarts with optional encryption and an integrity checksum.
//
// Every value is wrapped in a versioned envelope carrying a sha256 digest of
// the payload. On read the digest is recomputed; a mismatch means corruption
// or tampering and the record is deleted rather than returned. Records from
// the pre-checksum format are returned as-is for backward compatibility.
//
// Two sinks are provided with different deployment tradeoffs:
//   - File: one file per key under a directory, atomic writes, 0600 permissions
//   - Memory: process-local storage for tests
//
// The encryption key is either derived from a configured passphrase (argon2id)
// or generated per device and parked in the OS keyring (macOS Keychain,
// Windows Credential Manager, Linux Secret Service). When no key source is
// available the store degrades to plaintext envelopes; the checksum is
// enforced either way.
package securestore
