// Package selfmodify guards edits the system makes to its own source tree.
//
// The flow is Checklist (boundaries, diff size, syntax, secrets) -> Reloader
// (sentinel + delayed restart) -> Rollback (on next start, health poll and
// VCS revert when the new build never reports healthy).
package selfmodify
