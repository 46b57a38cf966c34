package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/amurg-ai/parley/pkg/protocol"
)

const listenReadLimit = 1 << 20

var (
	colorSender = lipgloss.Color("#7C3AED") // violet
	colorMuted  = lipgloss.Color("#6B7280") // gray-500
	colorWarn   = lipgloss.Color("#F59E0B") // amber
)

// eventStyles renders event lines. Colors only apply when the output is a
// terminal.
type eventStyles struct {
	stamp, sender, muted, warn lipgloss.Style
}

func newEventStyles(out io.Writer) eventStyles {
	r := lipgloss.NewRenderer(out)
	return eventStyles{
		stamp:  r.NewStyle().Foreground(colorMuted),
		sender: r.NewStyle().Bold(true).Foreground(colorSender),
		muted:  r.NewStyle().Foreground(colorMuted),
		warn:   r.NewStyle().Bold(true).Foreground(colorWarn),
	}
}

type listenOptions struct {
	url     string
	token   string
	say     []string
	count   int
	timeout time.Duration
}

func newListenCmd() *cobra.Command {
	opts := listenOptions{}
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect to the chat socket and print delivered events",
		Long: "Opens an authenticated chat WebSocket, optionally sends text frames, " +
			"and prints every event the server pushes until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return listen(ctx, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "ws://127.0.0.1:8080/ws/chat", "chat WebSocket URL")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token (required)")
	cmd.Flags().StringArrayVar(&opts.say, "say", nil, "text frame to send after connecting (repeatable)")
	cmd.Flags().IntVar(&opts.count, "count", 0, "exit after this many events (0 = until interrupted)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "handshake timeout")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func listen(ctx context.Context, opts listenOptions, out io.Writer) error {
	if err := validateWSURL(opts.url); err != nil {
		return fmt.Errorf("invalid --url: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	conn, resp, err := websocket.Dial(dialCtx, opts.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + opts.token}},
	})
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("connect: token rejected")
		}
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(listenReadLimit)

	styles := newEventStyles(out)
	_, _ = fmt.Fprintf(out, "connected to %s\n", opts.url)

	for _, text := range opts.say {
		if err := conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}

	seen := 0
	for opts.count == 0 || seen < opts.count {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return readError(ctx, err)
		}
		if typ != websocket.MessageText {
			continue
		}
		ev, err := protocol.Decode(data)
		if err != nil {
			_, _ = fmt.Fprintf(out, "undecodable frame: %s\n", data)
			continue
		}
		seen++
		_, _ = fmt.Fprintln(out, styles.format(ev))
		if ev.Type == protocol.TypeServerShutdown {
			return nil
		}
	}

	_ = conn.Close(websocket.StatusNormalClosure, "done")
	return nil
}

// readError turns the end of the read loop into the command's result. A
// clean close or an interrupt is not an error.
func readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	case -1:
		return fmt.Errorf("read: %w", err)
	default:
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return fmt.Errorf("server closed connection: %d %s", ce.Code, ce.Reason)
		}
		return fmt.Errorf("read: %w", err)
	}
}

func (s eventStyles) format(ev protocol.Event) string {
	ts := s.stamp.Render(ev.Timestamp.Local().Format(time.TimeOnly))
	switch ev.Type {
	case protocol.TypeNewMessage:
		return fmt.Sprintf("%s  %s: %s  %s", ts, s.sender.Render(ev.From), ev.Content, s.muted.Render("["+ev.MessageID+"]"))
	case protocol.TypeEcho:
		return fmt.Sprintf("%s  %s %s", ts, s.muted.Render("echo:"), ev.Content)
	case protocol.TypeServerShutdown:
		return fmt.Sprintf("%s  %s", ts, s.warn.Render("server shutting down"))
	default:
		return fmt.Sprintf("%s  %s", ts, ev.Type)
	}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}
