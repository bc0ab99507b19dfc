// Package modern adapts the newer native backend generation to the common
// session contract.
//
// Unlike its predecessor this generation reports failures as errors rather
// than status codes, keeps timeouts in milliseconds, carries per-direction
// termination attributes and delivers service-request notifications on every
// interface kind including serial. Its enumeration lower-cases the serial
// number segment of USB resource names, which callers must not rely on.
package modern
