package model

import (
	"fmt"
	"strings"
	"time"
)

// Summary renders a human-readable report of the instance: the steps that
// ran, the gate decisions, and any undo that needs manual attention.
func (i *Instance) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instance %s (%s)\n", i.ID, i.Definition)
	fmt.Fprintf(&b, "Status: %s", i.Status)
	if i.Reason != "" {
		fmt.Fprintf(&b, " (%s)", i.Reason)
	}
	b.WriteString("\n\nSteps:\n")
	for _, s := range i.Steps {
		fmt.Fprintf(&b, "  %-24s %-12s", s.Name, s.Status)
		if s.Risk != nil {
			fmt.Fprintf(&b, " risk=%.2f", *s.Risk)
		}
		if s.Attempts > 0 {
			fmt.Fprintf(&b, " attempts=%d", s.Attempts)
		}
		if s.StartedAt != nil && s.EndedAt != nil {
			fmt.Fprintf(&b, " took=%s", s.EndedAt.Sub(*s.StartedAt).Round(time.Millisecond))
		}
		if s.UnknownSideEffect {
			b.WriteString(" [side effects unknown]")
		}
		if s.Error != "" {
			fmt.Fprintf(&b, "\n  %-24s error: %s", "", s.Error)
		}
		b.WriteString("\n")
	}

	if len(i.Approvals) > 0 {
		b.WriteString("\nApprovals:\n")
		for _, a := range i.Approvals {
			fmt.Fprintf(&b, "  %-24s %-14s risk=%.2f", a.Gate, a.Status, a.Risk)
			if a.Decider != "" {
				fmt.Fprintf(&b, " by %s", a.Decider)
			}
			if a.Escalated {
				b.WriteString(" (escalated)")
			}
			if a.Reason != "" {
				fmt.Fprintf(&b, ": %s", a.Reason)
			}
			b.WriteString("\n")
		}
	}

	if len(i.RollbackFailures) > 0 {
		b.WriteString("\nManual intervention required:\n")
		for _, f := range i.RollbackFailures {
			fmt.Fprintf(&b, "  #%d %s: %s\n", f.Seq, f.Step, f.Error)
		}
	}
	return b.String()
}
