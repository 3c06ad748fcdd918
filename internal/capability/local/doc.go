// Package local provides reference capabilities that act on the local
// machine: an os/exec command runner, a file mutator that records the prior
// content of every file it touches, a test runner that shells out to a
// configured command, and an HTTP code generator client.
package local
