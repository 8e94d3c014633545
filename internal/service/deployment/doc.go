// Package deployment creates and tracks workflow versions.
//
// States:
//   - PENDING -> ACTIVE | FAILED
//
// Both ACTIVE and FAILED are terminal. CreateVersion validates the bundle,
// audits task resources and resolves container references before the
// version is inserted; nothing is inserted when any check fails. Inserts are
// serialized per workflow and atomic per (workflowID, versionName) in the
// store, so concurrent creates of one version yield exactly one success.
//
// Auditing:
//   - Created versions, staged archives and applied transitions emit one
//     audit event each.
//   - Re-observing the current state emits nothing.
//   - References left unresolved in permissive mode are recorded per version.
package deployment
