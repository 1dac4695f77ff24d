// Command tunnelio is the CLI entry point.
//
// This tool opens a direct WebRTC tunnel between two machines for chat, file
// transfer and optional video. A short-lived WebSocket server on the host
// relays the session descriptions; nothing goes through it afterwards.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/tunnelio/internal/app"
	"github.com/1ureka/tunnelio/internal/signaling"
	"github.com/1ureka/tunnelio/internal/util"
	"github.com/1ureka/tunnelio/tunnel"
)

var version = "dev"

// banner names the build; release builds set version to a semver tag via
// -ldflags "-X main.version=1.2.0".
func banner() string {
	if version == "dev" {
		return "Tunnelio (development build)"
	}
	return "Tunnelio v" + strings.TrimPrefix(version, "v")
}

var (
	configPath string
	debugMode  bool
	outDir     string
	videoPath  string

	wsPort   int
	wsListen bool

	joinPIN string
)

var rootCmd = &cobra.Command{
	Use:          "tunnelio",
	Short:        "peer-to-peer chat and file tunnel over WebRTC",
	Version:      version,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debugMode {
			util.EnableDebug()
		}
		pterm.Info.Println(banner())
		pterm.Println()
	},
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "start a signaling server and wait for a peer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := options()
		if err != nil {
			return err
		}

		var wsAddr string
		switch {
		case wsListen:
			wsAddr = fmt.Sprintf(":%d", wsPort)
		case wsPort > 0:
			wsAddr = fmt.Sprintf("127.0.0.1:%d", wsPort)
		default:
			wsAddr = "127.0.0.1:0"
		}

		return app.RunHost(cmd.Context(), opts, wsAddr)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join [url]",
	Short: "connect to a host's signaling server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := options()
		if err != nil {
			return err
		}

		var raw string
		if len(args) == 1 {
			raw = args[0]
		}

		wsURL, pin, err := resolveJoinTarget(raw, joinPIN)
		if err != nil {
			return err
		}

		return app.RunJoin(cmd.Context(), opts, wsURL, pin)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&outDir, "out", "o", ".", "directory for received files")
	rootCmd.PersistentFlags().StringVar(&videoPath, "video", "", "VP8 IVF file to stream to the peer")

	hostCmd.Flags().IntVar(&wsPort, "ws-port", 0, "WebSocket signaling server port (0 picks one)")
	hostCmd.Flags().BoolVar(&wsListen, "listen", false, "listen on all network interfaces (for LAN access)")

	joinCmd.Flags().StringVar(&joinPIN, "pin", "", "PIN shown by the host")

	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(joinCmd)
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("successfully closed tunnel connection")
}

// options builds the app options from the persistent flags.
func options() (app.Options, error) {
	cfg := tunnel.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = tunnel.LoadConfig(configPath); err != nil {
			return app.Options{}, err
		}
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	if videoPath != "" {
		if _, err := os.Stat(videoPath); err != nil {
			return app.Options{}, fmt.Errorf("video file: %w", err)
		}
	}

	return app.Options{Config: cfg, OutDir: outDir, VideoPath: videoPath}, nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// resolveJoinTarget turns the URL argument and --pin flag into a signaling
// endpoint and PIN, prompting for whatever is missing. A pin query parameter
// in the URL is honored when --pin is not given.
func resolveJoinTarget(raw, pin string) (string, string, error) {
	if strings.TrimSpace(raw) == "" {
		raw = askURL()
	}

	if pin == "" {
		if u, err := url.Parse(strings.TrimSpace(raw)); err == nil {
			pin = u.Query().Get("pin")
		}
	}

	wsURL, err := signaling.NormalizeURL(raw)
	if err != nil {
		return "", "", err
	}

	if pin == "" {
		pin = askPIN()
	}
	return wsURL, pin, nil
}

// askURL prompts the user for a valid WebSocket URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("WebSocket URL (e.g. wss://***.asse.devtunnels.ms/ws)").
			Show()

		if _, err := signaling.NormalizeURL(raw); err == nil {
			pterm.Println()
			return raw
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// askPIN prompts the user for the host's PIN until a non-empty one is entered.
func askPIN() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("PIN").
			WithMask("*").
			Show()

		if pin := strings.TrimSpace(raw); pin != "" {
			pterm.Println()
			return pin
		}

		util.LogWarning("the PIN cannot be empty")
	}
}
