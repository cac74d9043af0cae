// Package dispatch sends messages to workers and extracts their replies.
//
// A reply is taken from the first stage that yields text: the prompt
// response's text parts, its reasoning parts, streamed chunks, a refetch of
// the reply message, and finally polling the session for the latest
// assistant message. Attachments are checked by a Sandbox before they reach
// the worker.
package dispatch
