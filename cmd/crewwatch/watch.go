package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"crewwatch/internal/execution"
	"crewwatch/internal/fanout"
	"crewwatch/internal/jsonx"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

type watchOptions struct {
	server string
	flow   bool
	raw    bool
}

// wireMessage is the client-side view of a server message.
type wireMessage struct {
	Type     string           `json:"type"`
	Payload  jsonx.RawMessage `json:"payload,omitempty"`
	ClientID string           `json:"client_id,omitempty"`
	CrewID   string           `json:"crew_id,omitempty"`
	Message  string           `json:"message,omitempty"`
}

func newWatchCommand() *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch [execution-id]",
		Short: "Stream live execution updates from a running server",
		Long: `Connect to a running crewwatch server and print every state change.

Without an ID the crew socket follows whichever crew is active. Flow sockets
require an ID and end when the flow finishes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			target, err := socketURL(opts.server, opts.flow, id)
			if err != nil {
				return err
			}
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, target, opts.raw, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8000", "base URL of the crewwatch server")
	cmd.Flags().BoolVar(&opts.flow, "flow", false, "watch a flow instead of a crew")
	cmd.Flags().BoolVar(&opts.raw, "raw", false, "print messages as received")
	return cmd
}

// socketURL derives the WebSocket endpoint from the server base URL.
func socketURL(server string, flow bool, id string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(server))
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server URL %q has no host", server)
	}

	base := strings.TrimRight(u.Path, "/")
	switch {
	case flow && id == "":
		return "", errors.New("watching a flow requires an execution id")
	case flow:
		u.Path = base + "/ws/flow/" + url.PathEscape(id)
	case id != "":
		u.Path = base + "/ws/crew-visualization/" + url.PathEscape(id)
	default:
		u.Path = base + "/ws/crew-visualization"
	}
	return u.String(), nil
}

func watch(ctx context.Context, target string, raw bool, out io.Writer) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("connect %s: %w", target, err)
	}
	defer ws.Close()

	go func() {
		<-ctx.Done()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if raw {
			fmt.Fprintln(out, string(data))
			continue
		}
		line, err := formatMessage(data)
		if err != nil {
			fmt.Fprintln(out, errorText(err.Error()))
			continue
		}
		if line != "" {
			fmt.Fprintln(out, line)
		}
	}
}

// formatMessage renders one server message as a single line. Messages with
// nothing to show render empty.
func formatMessage(data []byte) (string, error) {
	var msg wireMessage
	if err := jsonx.Unmarshal(data, &msg); err != nil {
		return "", fmt.Errorf("decode message: %w", err)
	}

	switch msg.Type {
	case fanout.TypeCrewState:
		var snap execution.CrewSnapshot
		if err := jsonx.Unmarshal(msg.Payload, &snap); err != nil {
			return "", fmt.Errorf("decode crew state: %w", err)
		}
		return formatCrew(snap), nil
	case fanout.TypeFlowState:
		var state execution.State
		if err := jsonx.Unmarshal(msg.Payload, &state); err != nil {
			return "", fmt.Errorf("decode flow state: %w", err)
		}
		return formatFlow(state), nil
	case fanout.TypeConnectionEstablished:
		return gray("connected as " + msg.ClientID), nil
	case fanout.TypeCrewRegistered:
		return gray("following crew " + msg.CrewID), nil
	case fanout.TypeError:
		return errorText(msg.Message), nil
	default:
		return "", nil
	}
}

func formatCrew(snap execution.CrewSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s crew %s %q %s", stamp(snap.Timestamp), bold(snap.Crew.ID), snap.Crew.Name, statusText(string(snap.Crew.Status)))

	active, done := 0, 0
	for _, agent := range snap.Agents {
		if agent.Status == execution.AgentRunning {
			active++
		}
	}
	for _, task := range snap.Tasks {
		if task.Status == execution.TaskCompleted {
			done++
		}
	}
	fmt.Fprintf(&b, " agents=%d/%d tasks=%d/%d steps=%d", active, len(snap.Agents), done, len(snap.Tasks), len(snap.Steps))
	if last, ok := lastStep(snap.Steps); ok {
		fmt.Fprintf(&b, " last=%s(%s)", last.ID, statusText(string(last.Status)))
	}
	if snap.Crew.Error != "" {
		fmt.Fprintf(&b, " error=%s", red(snap.Crew.Error))
	}
	return b.String()
}

func formatFlow(state execution.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s flow %s %q %s steps=%d", stamp(state.Timestamp), bold(state.ID), state.Name, statusText(string(state.Status)), len(state.Steps))
	if last, ok := lastStep(state.Steps); ok {
		fmt.Fprintf(&b, " last=%s(%s)", last.ID, statusText(string(last.Status)))
	}
	if state.Error != "" {
		fmt.Fprintf(&b, " error=%s", red(state.Error))
	}
	return b.String()
}

func lastStep(steps []execution.Step) (execution.Step, bool) {
	if len(steps) == 0 {
		return execution.Step{}, false
	}
	return steps[len(steps)-1], true
}

func stamp(ts time.Time) string {
	if ts.IsZero() {
		return gray("--:--:--")
	}
	return gray(ts.Local().Format(time.TimeOnly))
}
