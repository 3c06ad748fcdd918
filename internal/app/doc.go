// Package app assembles a stepgate process from its settings: the state
// store, capabilities, notifiers, coordinators, engine and HTTP server. It
// owns their lifecycle and is decoupled from any entrypoint like the CLI.
package app
