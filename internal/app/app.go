// Package app contains the top-level orchestration for the host and join
// roles: engine setup, signaling, and the interactive chat / file session.
package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/tunnelio/internal/signaling"
	"github.com/1ureka/tunnelio/internal/util"
	"github.com/1ureka/tunnelio/tunnel"
)

// Options are shared by both roles.
type Options struct {
	// Config is the engine configuration; nil means defaults.
	Config *tunnel.Config

	// OutDir receives incoming files.
	OutDir string

	// VideoPath, when set, is a VP8 IVF file streamed to the peer in a loop.
	VideoPath string

	In  io.Reader
	Out io.Writer
}

func (o *Options) defaults() {
	if o.OutDir == "" {
		o.OutDir = "."
	}
	if o.In == nil {
		o.In = os.Stdin
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
}

// RunHost starts the signaling server on wsAddr, waits for one peer, offers,
// and runs the session until either side quits.
func RunHost(ctx context.Context, opts Options, wsAddr string) error {
	opts.defaults()

	pin := signaling.GeneratePIN(4)
	srv := signaling.NewServer(pin)
	wsPort, err := srv.Start(wsAddr)
	if err != nil {
		return err
	}
	defer srv.Close()

	pterm.DefaultBox.WithTitle("WebSocket Signaling Server").Println(
		fmt.Sprintf("Port : %d\nPIN  : %s\n\nForward this port (e.g. VS Code Port Forwarding)\nand share the URL and PIN with your peer.", wsPort, pin))
	util.LogInfo("waiting for peer...")

	return run(ctx, opts, func(ctx context.Context, e *tunnel.Engine) error {
		return signaling.EstablishAsHost(ctx, srv, e)
	})
}

// RunJoin connects to the host's signaling endpoint, answers its offer, and
// runs the session until either side quits.
func RunJoin(ctx context.Context, opts Options, wsURL, pin string) error {
	opts.defaults()
	util.LogInfo("connecting to %s...", wsURL)

	return run(ctx, opts, func(ctx context.Context, e *tunnel.Engine) error {
		return signaling.EstablishAsClient(ctx, wsURL, pin, e)
	})
}

// run initializes the engine, attaches local video, lets establish negotiate,
// then drives the REPL.
func run(ctx context.Context, opts Options, establish func(context.Context, *tunnel.Engine) error) error {
	var engineOpts []tunnel.Option
	if opts.VideoPath != "" {
		engineOpts = append(engineOpts, tunnel.WithCapturer(&tunnel.IVFCapturer{Path: opts.VideoPath, Loop: true}))
	}

	ui := newConsole(opts.OutDir, opts.Out)
	engine := tunnel.New()
	if err := engine.Initialize(opts.Config, ui.callbacks(), engineOpts...); err != nil {
		return err
	}
	defer func() {
		if err := engine.Terminate(); err != nil {
			util.LogDebug("terminate: %v", err)
		}
	}()

	if opts.VideoPath != "" {
		stream, err := engine.GetMediaDevicesVideo(ctx)
		if err != nil {
			return fmt.Errorf("failed to start video: %w", err)
		}
		util.LogInfo("streaming %s as %s", opts.VideoPath, stream.ID)
	}

	if err := establish(ctx, engine); err != nil {
		return fmt.Errorf("failed to establish tunnel: %w", err)
	}

	util.StartStatsReporter(ctx)
	util.LogSuccess("P2P tunnel established")

	return repl(ctx, engine, opts.In, opts.Out)
}

// Sender is the part of the engine the REPL drives.
type Sender interface {
	SendMessage(ctx context.Context, text string) ([]tunnel.LogEntry, error)
	SendFiles(files ...tunnel.File) ([]string, error)
	Messages() []tunnel.LogEntry
	Done() <-chan struct{}
}

const helpText = `commands:
  <text>            send a chat message
  /send <path>...   send one or more files
  /log              print the message log
  /quit             close the tunnel`

// repl reads commands from in until /quit, end of input, ctx cancellation,
// or the session closing.
func repl(ctx context.Context, s Sender, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.Done():
			util.LogInfo("peer closed the session")
			return nil

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, s, strings.TrimSpace(line), out); quit {
				return nil
			}
		}
	}
}

// handleLine executes one REPL line and reports whether the session should end.
func handleLine(ctx context.Context, s Sender, line string, out io.Writer) bool {
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		if _, err := s.SendMessage(ctx, line); err != nil {
			util.LogError("failed to send message: %v", err)
		}
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/help":
		pterm.Fprintln(out, helpText)

	case "/log":
		for _, entry := range s.Messages() {
			pterm.Fprintln(out, fmt.Sprintf("[%s] %-6s %s", entry.At.Format("15:04:05"), entry.From, entry.Text))
		}

	case "/send":
		if len(fields) < 2 {
			util.LogWarning("usage: /send <path>...")
			return false
		}
		sendPaths(s, fields[1:])

	default:
		util.LogWarning("unknown command %s, try /help", fields[0])
	}
	return false
}

func sendPaths(s Sender, paths []string) {
	files := make([]tunnel.File, 0, len(paths))
	for _, p := range paths {
		f, err := tunnel.OpenFile(p)
		if err != nil {
			util.LogError("cannot send %s: %v", p, err)
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return
	}

	ids, err := s.SendFiles(files...)
	if err != nil {
		util.LogError("failed to send files: %v", err)
		return
	}
	for i, id := range ids {
		util.LogDebug("queued %s as transfer %s", files[i].Name, id)
	}
}
