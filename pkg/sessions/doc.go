// Package sessions tracks worker sessions and forwards the activity of
// linked workers.
package sessions
