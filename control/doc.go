// Package control
// Author: momentics <momentics@gmail.com>
//
// Device configuration and logging wiring: a functional-options Config
// struct and a per-Device structured logger, explicitly threaded through
// constructors rather than held as package-level singletons.
package control
