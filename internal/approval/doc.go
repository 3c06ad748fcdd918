// Package approval gates steps behind human decisions.
//
// A Coordinator turns a gate and a risk score into a decision. Gates whose
// threshold the risk stays below are auto-approved on the spot. Everything
// else is recorded as pending, announced through the notification channel,
// and waited for until Resolve delivers a decision, the gate's timeout
// applies its policy, or the caller's context ends.
//
// Every decision is written to the store before the waiting step is
// released, so a crash never loses a decision that was acknowledged.
package approval
