package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the request subject runners subscribe to.
const DefaultSubject = "taskpilot.exec.run"

// NATSService sends actions to a runner pool with NATS request-reply.
type NATSService struct {
	nc      *nats.Conn
	subject string
}

var _ Service = (*NATSService)(nil)

// NewNATSService uses nc; the caller owns the connection.
func NewNATSService(nc *nats.Conn, subject string) *NATSService {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSService{nc: nc, subject: subject}
}

// Run implements Service.
func (s *NATSService) Run(ctx context.Context, action Action, timeout time.Duration) (*Result, error) {
	data, err := json.Marshal(runRequest{Action: action, TimeoutMs: timeout.Milliseconds()})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg, err := s.nc.RequestWithContext(callCtx, s.subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return failure(KindTransport, "no runner subscribed to %s", s.subject), nil
		}
		if errors.Is(err, nats.ErrTimeout) && ctx.Err() == nil {
			return failure(KindTimeout, "action timed out after %s", timeout), nil
		}
		return classify(ctx, err, timeout)
	}

	var res Result
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return failure(KindTransport, "invalid runner response: %v", err), nil
	}
	return normalize(&res), nil
}

// Runner executes an action on the responder side.
type Runner func(ctx context.Context, action Action) *Result

// Serve answers requests on subject with run until the subscription is
// drained. It is used by runner processes and tests.
func Serve(nc *nats.Conn, subject string, run Runner) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	return nc.QueueSubscribe(subject, "runners", func(m *nats.Msg) {
		var req runRequest
		var res *Result
		if err := json.Unmarshal(m.Data, &req); err != nil {
			res = failure(KindRunner, "invalid request: %v", err)
		} else {
			ctx := context.Background()
			if req.TimeoutMs > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
				defer cancel()
			}
			res = run(ctx, req.Action)
		}
		out, err := json.Marshal(res)
		if err != nil {
			return
		}
		_ = m.Respond(out)
	})
}
