// Package task defines the Task record, its status state machine and the
// priority score used by the scheduler.
//
// Notes:
//   - Apply is the only way to mutate a stored task; it rejects illegal
//     transitions and broken invariants instead of coercing them.
//   - Priority ties are broken by CreatedAt only, never by ID or store order.
package task
