package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pairlink/pairlink/internal/session"
	"github.com/pairlink/pairlink/internal/transport"
)

var (
	flagRelay    string
	flagIdentity string
	flagPeer     string
	flagRoom     string
	flagSTUN     []string
	flagTimeout  time.Duration
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "pairlink",
	Short: "End-to-end encrypted chat between two peers, brokered by a pairlink relay",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an encrypted chat session",
	Long: `Open an encrypted chat session with one peer.

The relay only brokers the handshake; messages travel over a direct
data channel and are encrypted end to end.

Examples:
  pairlink chat --identity alice --peer bob
  pairlink chat --identity bob
  pairlink chat --identity alice --room demo`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

func init() {
	chatCmd.Flags().StringVar(&flagRelay, "relay", "ws://127.0.0.1:8080", "relay base URL")
	chatCmd.Flags().StringVar(&flagIdentity, "identity", "", "identity to register at the relay (required)")
	chatCmd.Flags().StringVar(&flagPeer, "peer", "", "peer identity to initiate a session with")
	chatCmd.Flags().StringVar(&flagRoom, "room", "", "join a two-party room instead of addressing a peer")
	chatCmd.Flags().StringSliceVar(&flagSTUN, "stun", nil, "STUN/TURN server URL (repeatable)")
	chatCmd.Flags().DurationVar(&flagTimeout, "handshake-timeout", 0, "abort if the session is not secure in time (0 = default, negative = no timeout)")
	chatCmd.Flags().StringVar(&flagLogLevel, "log-level", "warn", "log level: debug, info, warn, error")
	_ = chatCmd.MarkFlagRequired("identity")

	rootCmd.AddCommand(chatCmd)
}

func runChat() error {
	if flagPeer != "" && flagRoom != "" {
		return fmt.Errorf("--peer and --room are mutually exclusive")
	}

	logger, err := newLogger(flagLogLevel)
	if err != nil {
		return err
	}

	relayURL, err := endpointURL(flagRelay, flagRoom)
	if err != nil {
		return err
	}

	peer, err := transport.NewPeer(transport.PeerConfig{ICEServers: flagSTUN})
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	coord, err := session.New(session.Config{
		Identity:         flagIdentity,
		Link:             session.DialRelay(relayURL, logger),
		Transport:        peer,
		HandshakeTimeout: flagTimeout,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer coord.Close()

	if flagPeer != "" {
		if err := coord.SetRecipient(flagPeer); err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		coord.Close()
	}()

	go readInput(coord)

	for ev := range coord.Events() {
		switch ev.Kind {
		case session.EventRegistered:
			fmt.Printf("* registered as %s\n", coord.Identity())
		case session.EventTransportReady:
			fmt.Println("* peer connection open")
		case session.EventKeyExchangeReady:
			fmt.Println("* session key established; messages are now encrypted")
		case session.EventMessageReceived:
			fmt.Printf("%s: %s\n", ev.Message.Sender, ev.Message.Text)
		case session.EventError:
			fmt.Fprintf(os.Stderr, "! %v\n", ev.Err)
		case session.EventClosed:
			fmt.Println("* session closed")
		}
	}

	return nil
}

func readInput(coord *session.Coordinator) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := coord.SendChat(text); err != nil {
			fmt.Fprintf(os.Stderr, "! send: %v\n", err)
		}
	}
}

func endpointURL(base, room string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay URL must use ws or wss, got %q", u.Scheme)
	}

	if room != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/room"
		q := u.Query()
		q.Set("room", room)
		u.RawQuery = q.Encode()
	} else {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}
	return u.String(), nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}
