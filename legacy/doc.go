// Package legacy adapts the older native backend generation to the common
// session contract.
//
// The generation's native surface speaks status codes, not errors, and its
// timeout unit is seconds. It predates per-direction termination attributes,
// defaults writes to CR+LF, and cannot deliver service-request notifications
// for serial interfaces at all. The adapter confines all of that behind the
// visa.Session interface.
package legacy
