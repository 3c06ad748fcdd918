package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/specialistvlad/stepgate/internal/capability"
)

// HTTPGenerator asks a remote service for artifacts. Requests go through a
// circuit breaker; while it is open, calls fail without reaching the
// service and are reported as not applied.
type HTTPGenerator struct {
	url    string
	client *http.Client
	cb     *gobreaker.CircuitBreaker
}

var _ capability.CodeGenerator = (*HTTPGenerator)(nil)

type generateResponse struct {
	Content   string `json:"content"`
	MediaType string `json:"media_type"`
}

// NewHTTPGenerator returns a client that POSTs generation specs to url.
func NewHTTPGenerator(url string, timeout time.Duration) *HTTPGenerator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGenerator{
		url:    url,
		client: &http.Client{Timeout: timeout},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "code-generator",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// State reports the breaker state.
func (g *HTTPGenerator) State() gobreaker.State {
	return g.cb.State()
}

// Generate posts spec and decodes the artifact.
func (g *HTTPGenerator) Generate(ctx context.Context, spec capability.GenerationSpec) (capability.Artifact, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return capability.Artifact{}, capability.NotApplied(fmt.Errorf("encoding spec: %w", err))
	}

	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.post(ctx, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return capability.Artifact{}, capability.NotApplied(fmt.Errorf("code generator unavailable: %w", err))
	}
	if err != nil {
		return capability.Artifact{}, err
	}
	return res.(capability.Artifact), nil
}

func (g *HTTPGenerator) post(ctx context.Context, body []byte) (capability.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return capability.Artifact{}, capability.NotApplied(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return capability.Artifact{}, fmt.Errorf("calling code generator: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return capability.Artifact{}, fmt.Errorf("reading generator response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return capability.Artifact{}, fmt.Errorf("code generator returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return capability.Artifact{}, fmt.Errorf("decoding generator response: %w", err)
	}
	return capability.Artifact{Content: []byte(out.Content), MediaType: out.MediaType}, nil
}
