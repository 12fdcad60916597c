// Package scheduler drives tasks through their lifecycle.
//
// Each Tick promotes at most one BACKLOG task and dispatches READY tasks to
// persona executors, one in-flight task per persona. Dispatch is gated by the
// throttle, the approval policy and the resource monitor; results pass the
// fitness gate before a task may reach DONE. Periodic triggers (tick, stuck
// recovery, approval expiry) are registered on robfig/cron.
package scheduler
