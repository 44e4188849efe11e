// Package authkit is the credential verification core of the Caseflow
// practice-management platform: password authentication layered with
// TOTP second factors and one-time backup codes, per-action rate limiting,
// and security-event auditing.
//
// The package is deliberately storage-agnostic. All account and two-factor
// persistence is injected through [AccountProvider]; Redis carries only the
// ephemeral login challenges and rate-limit counters. Session mechanics
// beyond minting the grant value are the consuming application's concern,
// reachable through [SessionIssuer].
package authkit
