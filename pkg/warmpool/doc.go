// Package warmpool keeps selected profiles running so the first message to
// them does not pay for a spawn. Idle warm workers are stopped and the
// profile cools down for its idle timeout before it is refilled.
package warmpool
