package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/entraide/beacon/internal/auth"
	"github.com/entraide/beacon/internal/chat"
	"github.com/entraide/beacon/internal/config"
	"github.com/entraide/beacon/internal/log"
	"github.com/entraide/beacon/internal/presence"
	"github.com/entraide/beacon/internal/realtime"
	"github.com/entraide/beacon/internal/scope"
	"github.com/entraide/beacon/internal/source/remote"
	"github.com/entraide/beacon/internal/view"
)

type chatFlags struct {
	server   string
	username string
	password string
	register bool
	topic    string
	region   string
	report   string
	peer     string
}

func chatCmd(configPath *string) *cobra.Command {
	var f chatFlags

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Connect to a beacon server and chat from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			bootLog := log.New("info", true)
			cfg, _, err := config.Load(bootLog, *configPath)
			if err != nil {
				return err
			}
			return runChat(cfg, f)
		},
	}

	cmd.Flags().StringVar(&f.server, "server", "http://localhost:8080", "beacon server URL")
	cmd.Flags().StringVar(&f.username, "user", "", "username")
	cmd.Flags().StringVar(&f.password, "password", "", "password")
	cmd.Flags().BoolVar(&f.register, "register", false, "create the account instead of logging in")
	cmd.Flags().StringVar(&f.topic, "topic", "general", "community topic")
	cmd.Flags().StringVar(&f.region, "region", "", "community region")
	cmd.Flags().StringVar(&f.report, "report", "", "report thread id (overrides community chat)")
	cmd.Flags().StringVar(&f.peer, "peer", "", "peer user id for a direct conversation")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("password")
	return cmd
}

func runChat(cfg config.Config, f chatFlags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	token, err := authenticate(ctx, f)
	if err != nil {
		return err
	}
	selfID, err := userIDFromToken(token)
	if err != nil {
		return err
	}

	logger := log.New(cfg.LogLevel, cfg.LogPretty)
	src := remote.New(f.server, token, logger)

	var (
		printMu sync.Mutex
		printed = make(map[string]bool)
	)
	printMsg := func(m realtime.Message) {
		printMu.Lock()
		defer printMu.Unlock()
		if m.ID != "" {
			if printed[m.ID] {
				return
			}
			printed[m.ID] = true
		}
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), m.SenderID, m.Body)
	}

	cb := chat.Callbacks{
		OnAppend: func(m realtime.Message, _ view.Decision) {
			if m.SenderID != selfID {
				printMsg(m)
			}
		},
		OnTyping: func(peers []string) {
			if len(peers) > 0 {
				fmt.Printf("* typing: %s\n", strings.Join(peers, ", "))
			}
		},
		OnError: func(err error) {
			fmt.Printf("! %v\n", err)
		},
	}

	surface, params, label := buildSurface(selfID, src, logger, cb, cfg, f)
	if surface == nil {
		return fmt.Errorf("community chat needs both --topic and --region")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go surface.Run(runCtx)
	surface.Select(params)

	if err := waitLive(runCtx, surface); err != nil {
		return err
	}
	for _, m := range surface.Messages() {
		printMsg(m)
	}
	fmt.Printf("Connected to %s as %s (%s)\n", f.server, f.username, label)
	fmt.Println("Type a message and press Enter. /typing announces, /refresh resyncs, Ctrl+C exits.")

	return inputLoop(runCtx, surface)
}

func authenticate(ctx context.Context, f chatFlags) (string, error) {
	if f.register {
		return remote.Register(ctx, f.server, f.username, f.password)
	}
	return remote.Login(ctx, f.server, f.username, f.password)
}

// userIDFromToken extracts the subject without verifying the signature;
// the server already authenticated us, we just need our own id.
func userIDFromToken(token string) (string, error) {
	claims := &auth.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.UserID == "" {
		return "", fmt.Errorf("token carries no user id")
	}
	return claims.UserID, nil
}

func buildSurface(selfID string, src *remote.Client, logger *zerolog.Logger, cb chat.Callbacks, cfg config.Config, f chatFlags) (*chat.Surface, scope.Params, string) {
	opts := []chat.Option{
		chat.WithFollowThreshold(cfg.ScrollThresholdRows),
		chat.WithTypingTTL(presence.WithTTL(cfg.TypingTTL)),
		chat.WithManagerOptions(realtime.WithResubscribeDelay(cfg.ResubscribeDelay)),
	}

	switch {
	case f.report != "":
		s := chat.NewReportSurface(selfID, src, logger, cb, opts...)
		return s, scope.Params{ThreadID: f.report}, "report " + f.report
	case f.peer != "":
		s := chat.NewDirectSurface(selfID, src, logger, cb, opts...)
		return s, scope.Params{PeerID: f.peer}, "direct with " + f.peer
	case f.topic != "" && f.region != "":
		s := chat.NewCommunitySurface(selfID, src, logger, cb, opts...)
		return s, scope.Params{Topic: f.topic, Region: f.region}, f.topic + "/" + f.region
	default:
		return nil, scope.Params{}, ""
	}
}

func waitLive(ctx context.Context, surface *chat.Surface) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if surface.State() == realtime.StateLive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func inputLoop(ctx context.Context, surface *chat.Surface) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			switch {
			case text == "":
			case text == "/typing":
				surface.SetTyping(true)
			case text == "/refresh":
				surface.Refresh()
			default:
				if err := surface.Send(ctx, text); err != nil {
					fmt.Printf("! %v\n", err)
					continue
				}
				surface.SetTyping(false)
			}
		}
	}
}
