// Package daemonrun bootstraps the reencoderd process: logging, the pid file,
// component wiring and signal-driven shutdown.
package daemonrun
