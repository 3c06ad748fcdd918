// Package integration_tests holds end-to-end scenarios. Each subdirectory
// loads a workflow from disk and runs it through the assembled application
// with real local capabilities.
package integration_tests
