package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/stepgate/internal/capability"
)

type recordingChannel struct {
	requested []capability.ApprovalNotice
	err       error
}

func (r *recordingChannel) RequestApproval(_ context.Context, n capability.ApprovalNotice) error {
	r.requested = append(r.requested, n)
	return r.err
}

type escalatingChannel struct {
	recordingChannel
	escalated int
}

func (e *escalatingChannel) Escalate(context.Context, capability.ApprovalNotice) error {
	e.escalated++
	return nil
}

func notice() capability.ApprovalNotice {
	threshold := 0.5
	return capability.ApprovalNotice{
		InstanceID: "inst-1",
		Workflow:   "deploy",
		Gate:       "prod",
		Step:       "release",
		Risk:       0.7,
		Threshold:  &threshold,
		Deadline:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestLog_WritesNotice(t *testing.T) {
	var buf bytes.Buffer
	l := &Log{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	require.NoError(t, l.RequestApproval(context.Background(), notice()))
	require.NoError(t, l.Escalate(context.Background(), notice()))

	out := buf.String()
	assert.Contains(t, out, "Approval required.")
	assert.Contains(t, out, "Approval escalated.")
	assert.Contains(t, out, "gate=prod")
	assert.Contains(t, out, "threshold=0.5")
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	failing := &recordingChannel{err: errors.New("down")}
	ok := &escalatingChannel{}
	m := Multi{failing, ok}

	err := m.RequestApproval(context.Background(), notice())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Len(t, failing.requested, 1)
	assert.Len(t, ok.requested, 1)

	require.NoError(t, m.Escalate(context.Background(), notice()))
	assert.Equal(t, 1, ok.escalated)
}

func TestDecodeDecision(t *testing.T) {
	d, err := decodeDecision(map[string]any{"instance_id": "i", "gate": "g", "approve": true, "decider": "alice"})
	require.NoError(t, err)
	assert.Equal(t, Decision{InstanceID: "i", Gate: "g", Approve: true, Decider: "alice"}, d)

	d, err = decodeDecision(`{"instance_id":"i","gate":"g"}`)
	require.NoError(t, err)
	assert.False(t, d.Approve)

	_, err = decodeDecision(map[string]any{"gate": "g"})
	assert.Error(t, err)
}

func TestToPayload_UsesJSONNames(t *testing.T) {
	p, err := toPayload(notice())
	require.NoError(t, err)
	assert.Equal(t, "inst-1", p["instance_id"])
	assert.Equal(t, 0.5, p["threshold"])
}
