package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

// HTTPService posts actions to {baseURL}/v1/run.
type HTTPService struct {
	baseURL    string
	httpClient *http.Client
}

var _ Service = (*HTTPService)(nil)

// NewHTTPService creates a runner client. A nil client uses a default one;
// per-call timeouts come from Run.
func NewHTTPService(baseURL string, client *http.Client) *HTTPService {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPService{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

// Run implements Service.
func (s *HTTPService) Run(ctx context.Context, action Action, timeout time.Duration) (*Result, error) {
	body, err := json.Marshal(runRequest{Action: action, TimeoutMs: timeout.Milliseconds()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, s.baseURL+"/v1/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return classify(ctx, err, timeout)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return classify(ctx, err, timeout)
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		if resp.StatusCode != http.StatusOK {
			return failure(KindTransport, "runner returned status %d: %s", resp.StatusCode, snippet(raw)), nil
		}
		return failure(KindTransport, "invalid runner response: %v", err), nil
	}
	if resp.StatusCode != http.StatusOK && res.Success {
		return failure(KindTransport, "runner returned status %d", resp.StatusCode), nil
	}
	return normalize(&res), nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
