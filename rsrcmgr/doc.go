// Package rsrcmgr selects a backend generation, enumerates instruments and
// opens sessions with portable options.
//
// The manager hides which generation actually loaded: callers enumerate,
// resolve aliases and open resources against one stable surface whether the
// bench runs the modern or the legacy native library.
package rsrcmgr
