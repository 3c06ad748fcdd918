// Package rollback reverses the completed steps of a failed instance.
//
// The coordinator walks the instance's undo records newest first and hands
// each one to the Undoer registered for its kind. Every outcome is written
// to the store before the next record is touched, so an interrupted
// rollback resumes exactly where it stopped. A failed undo never stops the
// sweep; it is recorded as a rollback failure for a human to deal with.
package rollback
