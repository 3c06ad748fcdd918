package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/specialistvlad/stepgate/internal/capability"
	"github.com/specialistvlad/stepgate/internal/ctxlog"
	"github.com/specialistvlad/stepgate/internal/model"
)

// Events exchanged with the socket.io server.
const (
	EventApprovalRequested = "approval_requested"
	EventApprovalEscalated = "approval_escalated"
	EventApprovalDecision  = "approval_decision"
)

// ErrNotConnected is returned when emitting on a disconnected client.
var ErrNotConnected = errors.New("socket.io client is not connected")

// Decision is the payload of an approval_decision event.
type Decision struct {
	InstanceID model.InstanceID `json:"instance_id"`
	Gate       string           `json:"gate"`
	Approve    bool             `json:"approve"`
	Decider    string           `json:"decider"`
}

// DecisionHandler applies a decision received from the server.
type DecisionHandler func(ctx context.Context, d Decision) error

// SocketIOOptions configures Dial.
type SocketIOOptions struct {
	URL                string
	Namespace          string
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
	// OnDecision, when set, is called for every approval_decision event.
	OnDecision DecisionHandler
}

// SocketIO is a notification channel backed by a persistent socket.io
// connection.
type SocketIO struct {
	io     *socket.Socket
	logger *slog.Logger
}

var (
	_ capability.NotificationChannel = (*SocketIO)(nil)
	_ capability.Escalator           = (*SocketIO)(nil)
)

// Dial connects to the server and waits for the connection to be
// established.
func Dial(ctx context.Context, opts SocketIOOptions) (*SocketIO, error) {
	logger := ctxlog.FromContext(ctx).With("channel", "socketio", "url", opts.URL)

	parsedURL, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	sopts := socket.DefaultOptions()
	if parsedURL.Path != "" {
		sopts.SetPath(parsedURL.Path)
	}
	if opts.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		sopts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	sopts.SetTransports(types.NewSet(transports.WebSocket))

	namespace := opts.Namespace
	if namespace == "" {
		namespace = "/"
	}
	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, sopts)
	io := manager.Socket(namespace, sopts)

	connectChan := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Connected.", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		var err error = errors.New("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		connectChan <- err
	})

	if opts.OnDecision != nil {
		handler := opts.OnDecision
		io.On(types.EventName(EventApprovalDecision), func(data ...any) {
			if len(data) == 0 {
				logger.Warn("Ignoring empty approval decision.")
				return
			}
			d, err := decodeDecision(data[0])
			if err != nil {
				logger.Warn("Ignoring malformed approval decision.", "error", err)
				return
			}
			hctx := ctxlog.WithLogger(context.Background(), logger)
			if err := handler(hctx, d); err != nil {
				logger.Warn("Approval decision rejected.", "instance", d.InstanceID, "gate", d.Gate, "error", err)
			}
		})
	}

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return &SocketIO{io: io, logger: logger}, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(timeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", timeout)
	}
}

// RequestApproval emits approval_requested.
func (s *SocketIO) RequestApproval(_ context.Context, n capability.ApprovalNotice) error {
	return s.emit(EventApprovalRequested, n)
}

// Escalate emits approval_escalated.
func (s *SocketIO) Escalate(_ context.Context, n capability.ApprovalNotice) error {
	return s.emit(EventApprovalEscalated, n)
}

func (s *SocketIO) emit(event string, n capability.ApprovalNotice) error {
	if !s.io.Connected() {
		return ErrNotConnected
	}
	payload, err := toPayload(n)
	if err != nil {
		return err
	}
	s.logger.Debug("Emitting event.", "event", event, "instance", n.InstanceID, "gate", n.Gate)
	s.io.Emit(event, payload)
	return nil
}

// Close disconnects the client.
func (s *SocketIO) Close() error {
	s.io.Disconnect()
	return nil
}

// toPayload turns n into plain maps so the socket.io encoder sees JSON
// field names.
func toPayload(n capability.ApprovalNotice) (map[string]any, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encoding notice: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("encoding notice: %w", err)
	}
	return payload, nil
}

func decodeDecision(data any) (Decision, error) {
	var raw []byte
	switch v := data.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		var err error
		if raw, err = json.Marshal(v); err != nil {
			return Decision{}, err
		}
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return Decision{}, err
	}
	if d.InstanceID == "" || d.Gate == "" {
		return Decision{}, errors.New("decision needs instance_id and gate")
	}
	return d, nil
}
