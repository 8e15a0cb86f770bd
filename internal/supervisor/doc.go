// Package supervisor manages the lifecycle of the single inference container
// identified by a well-known name. It is structured into small files by
// concern:
//
//   - supervisor.go: Supervisor type, its collaborators and constructor.
//   - config.go: Config and package defaults; New applies defaults.
//   - types.go: lifecycle and health states, InstanceState.
//   - events.go: Event, EventPublisher and the in-memory publisher.
//   - start.go: Start and the shared start sequence (pull, launch, health gate).
//   - status.go: read-only Status and the live Report.
//   - stop.go: idempotent Stop and Logs.
//   - supervise.go: the restart loop.
//   - classify.go: crash classification from exit status and log tail.
//   - backoff.go: restart delay strategies.
//
// Nothing is persisted between invocations: every decision is derived from
// querying the runtime for the instance name.
package supervisor
