package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/events"
	taskhttp "github.com/fyrsmithlabs/taskpilot/internal/http"
	"github.com/fyrsmithlabs/taskpilot/internal/monitor"
)

// maxEventBytes bounds one SSE data line. Events carry the full state.
const maxEventBytes = 8 << 20

func (c *cli) runCmd() *cobra.Command {
	var req taskhttp.TaskRequest
	var wait, tui bool
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Run a task and follow its steps",
		Long: `Start a task on taskpilotd and print each step as it happens.

Examples:
  # Run a new task
  tpctl run "find the cheapest flight to Lisbon"

  # Answer a clarifying question on the same thread
  tpctl run --thread t-123 --continue "next Friday"

  # Decompose into a task graph and only print the outcome
  tpctl run --mode graph --wait "prepare the release"

  # Follow the run in a live terminal view ([s] stops it)
  tpctl run --tui "clean up my inbox"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Goal = strings.Join(args, " ")
			if req.ContinueSession && req.ThreadID == "" {
				return errors.New("--continue needs --thread")
			}
			switch {
			case wait && tui:
				return errors.New("--wait and --tui cannot be combined")
			case wait:
				return c.runWait(cmd, req)
			case tui:
				return c.runTUI(cmd, req)
			}
			return c.runStream(cmd, req)
		},
	}
	cmd.Flags().StringVar(&req.ThreadID, "thread", "", "thread ID (generated when empty)")
	cmd.Flags().BoolVar(&req.ContinueSession, "continue", false, "continue the thread from its head")
	cmd.Flags().StringVar(&req.Mode, "mode", "", "execution mode: linear or graph")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the final step instead of streaming")
	cmd.Flags().BoolVar(&tui, "tui", false, "follow the run in a live terminal view")
	return cmd
}

func (c *cli) runWait(cmd *cobra.Command, req taskhttp.TaskRequest) error {
	var ev events.Event
	if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/tasks?wait=true", req, &ev); err != nil {
		return err
	}
	if c.json() {
		return printJSON(cmd.OutOrStdout(), ev)
	}
	printOutcome(cmd.OutOrStdout(), &ev)
	return outcomeErr(&ev)
}

// openStream starts a run and returns the open SSE response. Streams have
// no client timeout; cancel with ctrl-c.
func (c *cli) openStream(ctx context.Context, req taskhttp.TaskRequest) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/v1/tasks", req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", httpReq.URL, err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// readEvents decodes step events from an SSE body.
func readEvents(r io.Reader, fn func(ev *events.Event) error) error {
	return readSSE(r, func(name string, data []byte) error {
		if name == taskhttp.EventError {
			var er taskhttp.ErrorResponse
			if err := json.Unmarshal(data, &er); err != nil {
				return fmt.Errorf("run aborted: %s", data)
			}
			return fmt.Errorf("run aborted: %s", er.Error)
		}
		var ev events.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		return fn(&ev)
	})
}

func (c *cli) runStream(cmd *cobra.Command, req taskhttp.TaskRequest) error {
	resp, err := c.openStream(cmd.Context(), req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out := cmd.OutOrStdout()
	if !c.json() {
		fmt.Fprintf(out, "thread %s  run %s\n", resp.Header.Get("X-Thread-ID"), resp.Header.Get("X-Run-ID"))
	}

	var last *events.Event
	err = readEvents(resp.Body, func(ev *events.Event) error {
		last = ev
		if c.json() {
			return printJSON(out, ev)
		}
		printStep(out, ev)
		return nil
	})
	if err != nil {
		return err
	}
	if last == nil {
		return errors.New("stream ended without events")
	}
	if !c.json() {
		printOutcome(out, last)
	}
	return outcomeErr(last)
}

// runTUI follows the stream in a monitor view. Events are forwarded to the
// program from a reader goroutine.
func (c *cli) runTUI(cmd *cobra.Command, req taskhttp.TaskRequest) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := c.openStream(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	threadID := resp.Header.Get("X-Thread-ID")
	model := monitor.NewModel(monitor.Options{
		ThreadID: threadID,
		RunID:    resp.Header.Get("X-Run-ID"),
		OnStop: func() error {
			return c.do(ctx, http.MethodPost, "/api/v1/threads/"+url.PathEscape(threadID)+"/stop", nil, nil)
		},
	})
	p := tea.NewProgram(model,
		tea.WithContext(ctx),
		tea.WithInput(cmd.InOrStdin()),
		tea.WithOutput(cmd.OutOrStdout()),
	)

	go func() {
		err := readEvents(resp.Body, func(ev *events.Event) error {
			p.Send(monitor.EventMsg(*ev))
			return nil
		})
		if err == nil {
			err = errors.New("stream ended before the run finished")
		}
		if ctx.Err() == nil {
			p.Send(monitor.ErrMsg{Err: err})
		}
	}()

	final, err := p.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("terminal view: %w", err)
	}
	m, ok := final.(monitor.Model)
	if !ok {
		return errors.New("terminal view ended unexpectedly")
	}
	if !m.Done() {
		if m.Err() != nil {
			return m.Err()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Detached from thread %s; the run continues on the server\n", threadID)
		return nil
	}
	return outcomeErr(&events.Event{State: m.State()})
}

// readSSE calls fn for every event on r. Comment lines are heartbeats.
func readSSE(r io.Reader, fn func(name string, data []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxEventBytes)
	var name string
	var data []byte
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data != nil {
				if err := fn(name, data); err != nil {
					return err
				}
			}
			name, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:"))...)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading event stream: %w", err)
	}
	return nil
}

func printStep(w io.Writer, ev *events.Event) {
	fmt.Fprintf(w, "%4d  %-9s %s\n", ev.Sequence, ev.Node, monitor.Describe(ev.State))
}

func printOutcome(w io.Writer, ev *events.Event) {
	st := ev.State
	if st == nil {
		return
	}
	switch {
	case st.Error != "":
		fmt.Fprintf(w, "\nFailed: %s\n", st.Error)
	case st.PendingQuestion != "":
		fmt.Fprintf(w, "\nQuestion: %s\n", st.PendingQuestion)
		fmt.Fprintf(w, "Answer with: tpctl run --thread %s --continue \"...\"\n", ev.ThreadID)
	case st.Status == engine.StatusStopped:
		fmt.Fprintf(w, "\nStopped at step %d\n", ev.Sequence)
	default:
		fmt.Fprintf(w, "\nResult: %s\n", st.Result)
	}
}

func outcomeErr(ev *events.Event) error {
	if ev.State != nil && ev.State.Error != "" {
		return fmt.Errorf("task failed: %s", ev.State.Error)
	}
	return nil
}

func (c *cli) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <thread-id>",
		Short: "Stop the active run on a thread",
		Long: `Ask the active run on a thread to stop at its next step boundary.

The thread keeps a checkpoint with status stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp taskhttp.StopResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/threads/"+url.PathEscape(args[0])+"/stop", nil, &resp); err != nil {
				return err
			}
			if c.json() {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stopping thread %s\n", resp.ThreadID)
			return nil
		},
	}
}
