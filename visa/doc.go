// Package visa defines the stable instrument-session contract shared by the
// legacy and modern backend generations.
//
// It provides the Session interface, the error kinds callers branch on, the
// timeout and lock normalization rules, the message framing helpers, the
// attribute redirection proxy, and the event/handler subsystem that unifies
// the queue-polled and callback notification models of the two native
// backend shapes.
//
// Backend-specific behavior lives in the legacy and modern packages; resource
// enumeration and session opening live in the rsrcmgr package.
package visa
