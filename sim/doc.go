// Package sim provides an in-memory instrument bus with scripted devices.
//
// A Bus stands in for the physical test bench: devices are registered under
// resource names, answer writes through a Responder script, raise service
// requests, and enforce per-domain lock tables. Both backend generations
// drive the same Bus, which makes cross-generation behavior (and its
// hazards, such as locks that do not interoperate) observable in tests.
package sim
