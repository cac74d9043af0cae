/*
Package types defines the core data structures shared by colony's packages.

# Core Types

Profiles and policy:
  - WorkerProfile: declarative description of a worker (model, permissions, session mode)
  - Permissions: filesystem/execution/network access, per-tool overrides, path lists
  - SessionMode: child, isolated or linked

Worker lifecycle:
  - WorkerInstance: the unit the engine owns, keyed by profile id
  - WorkerStatus: starting → ready ⇄ busy → error | stopped (dead is health-monitor only)
  - LastResult: outcome of the most recent successful send

Asynchronous work:
  - WorkerJob: pending → succeeded | failed, completed exactly once
  - JobReport: optional structured report attached to a job

Observability:
  - TrackedSession: mirror of a worker session used in linked mode
  - SessionActivity: one entry of a session's bounded activity buffer

Messaging:
  - Attachment: image or file sent alongside a message

# Ownership

Instances are created only by the spawner and mutated through the registry.
Callers outside the registry receive clones (see WorkerInstance.Clone) and must
not expect changes to a clone to be reflected anywhere.
*/
package types
