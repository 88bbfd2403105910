package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/syncspace/internal/config"
	"github.com/1ureka/syncspace/internal/pairing"
	"github.com/1ureka/syncspace/internal/peer"
	"github.com/1ureka/syncspace/internal/presence"
	"github.com/1ureka/syncspace/internal/storage"
	"github.com/1ureka/syncspace/internal/util"
)

func peerCmd() *cobra.Command {
	var (
		relayURL  string
		statePath string
		code      string
		create    bool
	)

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Create or join a pairing and exchange presence with the partner",
		Long: `Create or join a pairing, then stay connected to the partner.

Once connected, each line typed on stdin is sent to the partner:
  (empty) or /nudge   send a nudge
  /status             show presence and streak
  /quit               disconnect and exit
  anything else       send it as a custom nudge`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("relay") {
				if cfg.Peer.RelayURL, err = normalizeWSURL(relayURL); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("state") {
				cfg.Peer.StatePath = statePath
			}
			if create && code != "" {
				return errors.New("--create and --code are mutually exclusive")
			}
			if err := cfg.ValidatePeer(); err != nil {
				return err
			}

			// Root context, cancelled on Ctrl+C.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			banner("peer")

			if !create && code == "" {
				create, code = askMode()
			}
			return runPeer(ctx, cfg.Peer, create, code)
		},
	}

	cmd.Flags().StringVar(&relayURL, "relay", "", "relay WebSocket URL (e.g. wss://relay.example.com/ws)")
	cmd.Flags().StringVar(&statePath, "state", "", "path of the SQLite state file")
	cmd.Flags().StringVar(&code, "code", "", "join the pairing with this code")
	cmd.Flags().BoolVar(&create, "create", false, "create a new pairing code")
	return cmd
}

// ---------------------------------------------------------------------------
// Run mode
// ---------------------------------------------------------------------------

func runPeer(ctx context.Context, pc config.PeerConfig, create bool, code string) error {
	db, err := storage.OpenSQLite(pc.StatePath)
	if err != nil {
		return err
	}
	defer db.Close()

	id, err := peer.LoadOrCreateIdentity(ctx, db)
	if err != nil {
		return err
	}

	proto := presence.New(db, presence.WithHeartbeat(pc.HeartbeatInterval))
	if err := proto.Load(ctx); err != nil {
		return err
	}

	m, err := peer.NewManager(peer.Options{
		PeerID:       id,
		Dial:         peer.RelayDialer(pc.RelayURL),
		NewTransport: peer.PionTransport(pc.STUNServers),
		Presence:     proto,
		Timeout:      pc.NegotiationTimeout,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	ended := make(chan peer.StateEvent, 1)
	m.OnStateChange(func(ev peer.StateEvent) {
		switch ev.Phase {
		case peer.Negotiating:
			util.LogInfo("partner %s found, negotiating…", ev.RemotePeerID)
		case peer.Connected:
			util.LogSuccess("connected to %s; type a line to nudge, /quit to leave", ev.RemotePeerID)
		case peer.Closed:
			select {
			case ended <- ev:
			default:
			}
		}
	})
	m.OnMessage(printMessage)

	util.LogDebug("local peer ID %s, relay %s", id, pc.RelayURL)

	if create {
		code, err := m.CreatePairing(ctx)
		if err != nil {
			return fmt.Errorf("failed to create pairing: %w", err)
		}
		showCode(code)
	} else {
		if err := m.JoinPairing(ctx, code); err != nil {
			switch {
			case errors.Is(err, pairing.ErrCodeNotFound):
				return fmt.Errorf("no live pairing with code %s; check the code or ask for a new one", code)
			case errors.Is(err, pairing.ErrCodeAlreadyUsed):
				return fmt.Errorf("code %s has already been used; ask for a new one", code)
			default:
				return fmt.Errorf("failed to join pairing: %w", err)
			}
		}
	}

	lines := readLines(ctx)
	for {
		select {
		case <-ctx.Done():
			m.Disconnect()
			util.LogInfo("disconnected")
			return nil

		case ev := <-ended:
			// Presence is best-effort: report and let the user pair again.
			return fmt.Errorf("connection closed: %w", ev.Err)

		case line, ok := <-lines:
			if !ok || line == "/quit" {
				m.Disconnect()
				util.LogInfo("disconnected")
				return nil
			}
			handleLine(m, proto, line)
		}
	}
}

func handleLine(m *peer.Manager, proto *presence.Protocol, line string) {
	var msg presence.Message

	switch line {
	case "/status":
		st := proto.State()
		seen := "never"
		if !st.LastSeenAt.IsZero() {
			seen = st.LastSeenAt.Format(time.DateTime)
		}
		pterm.Info.Printfln("phase %s | partner online: %v | last seen %s | streak %d day(s)",
			m.Phase(), st.PeerOnline, seen, st.Streak.Count)
		return
	case "", "/nudge":
		msg = presence.Nudge{Timestamp: time.Now().UnixMilli()}
	default:
		body, _ := json.Marshal(map[string]string{"text": line})
		msg = presence.Passthrough{Kind: presence.TypeCustomNudge, Raw: body}
	}

	if err := m.SendPresenceMessage(msg); err != nil {
		util.LogWarning("not sent: %v", err)
	}
}

func printMessage(msg presence.Message) {
	switch m := msg.(type) {
	case presence.Presence:
		if m.Online {
			util.LogDebug("partner is online")
		} else {
			util.LogWarning("partner went offline")
		}
	case presence.Nudge:
		pterm.Success.Printfln("👋 nudge from partner (%s)", time.UnixMilli(m.Timestamp).Format(time.TimeOnly))
	case presence.Passthrough:
		if m.Kind == presence.TypeCustomNudge {
			var body struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(m.Raw, &body) == nil && body.Text != "" {
				pterm.Success.Printfln("💬 %s", body.Text)
				return
			}
		}
		util.LogDebug("%s message: %s", m.Kind, m.Raw)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// readLines forwards trimmed stdin lines until EOF or ctx is cancelled.
func readLines(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case out <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func showCode(code string) {
	pterm.Println()
	pterm.DefaultBox.WithTitle("Pairing code").Println(pterm.LightCyan(code[:3] + " " + code[3:]))
	pterm.Println()
	util.LogInfo("share this code with your partner; waiting for them to join…")
}

// askMode prompts for create or join when neither flag was given.
func askMode() (create bool, code string) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Create: get a code for your partner", "Join:   enter your partner's code"}).
		WithDefaultText("Pairing").
		Show()
	pterm.Println()

	if strings.HasPrefix(choice, "Create") {
		return true, ""
	}
	return false, askCode()
}

// askCode prompts until a six-digit code is entered.
func askCode() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Pairing code (6 digits)").
			Show()

		code := strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
		if isCode(code) {
			pterm.Println()
			return code
		}

		util.LogWarning("invalid code: must be %d digits", pairing.CodeLength)
		pterm.Println()
	}
}

func isCode(s string) bool {
	if len(s) != pairing.CodeLength {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// normalizeWSURL validates a relay URL, defaulting the scheme to wss and the
// path to /ws.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}
