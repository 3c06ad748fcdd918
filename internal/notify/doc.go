// Package notify delivers approval requests to humans.
//
// Three channels are provided: Log writes requests to the structured log,
// SocketIO pushes them to a socket.io server and accepts decisions back on
// the same connection, and Multi fans a request out to several channels.
package notify
