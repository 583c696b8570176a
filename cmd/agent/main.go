package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/echocal/echocal-go/internal/backend"
	"github.com/echocal/echocal-go/internal/cache"
	"github.com/echocal/echocal-go/internal/callink"
	"github.com/echocal/echocal-go/internal/config"
	"github.com/echocal/echocal-go/internal/lifecycle"
	"github.com/echocal/echocal-go/internal/model"
	"github.com/echocal/echocal-go/internal/provider"
	"github.com/echocal/echocal-go/internal/session"
	"github.com/echocal/echocal-go/internal/state"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setLogLevel(cfg.LogLevel)

	sessionCache, err := cache.Open(cfg.CachePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open session cache")
	}
	defer sessionCache.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var verifier provider.IDTokenVerifier
	if cfg.NativeIssuer != "" {
		verifier, err = provider.NewNativeVerifier(ctx, cfg.NativeIssuer, cfg.NativeClientID)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build native identity verifier")
		}
	}
	nativeClient := provider.NewNativeClient(cfg.NativeProviderURL, nil, verifier)

	receiver := provider.NewLoopbackReceiver(cfg.LoopbackAddr())
	googleProvider := provider.NewGoogleProvider(provider.GoogleConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  fmt.Sprintf("http://%s/callback", cfg.LoopbackAddr()),
	}, receiver, nil)

	exchangeClient := provider.NewExchangeClient(cfg.ExchangeBaseURL, nil)

	broker := state.NewBroker()
	sessionService := session.New(
		nativeClient, googleProvider, exchangeClient,
		sessionCache, broker, cfg.RefreshLookahead(),
	)

	backendClient := backend.NewClient(cfg.BackendBaseURL, nil, sessionService)
	linkManager := callink.New(
		googleProvider, backendClient, sessionService,
		cfg.CalendarScopes, cfg.MaxConnectionAttempts, cfg.ReauthBackoff(),
	)
	sessionService.SetCalendarLinker(linkManager)

	monitor := lifecycle.NewMonitor(
		sessionService, linkManager,
		cfg.InactivityTimeout(), cfg.ValidationCooldown(),
	)
	go monitor.Run(ctx)

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go func() {
		for snap := range sub.C {
			logSnapshot(snap)
		}
	}()

	if err := sessionService.RestoreSession(ctx); err != nil {
		log.Warn().Err(err).Msg("session restore failed")
	}
	monitor.OnForeground(ctx)

	runPrompt(ctx, cfg, sessionService, linkManager, backendClient)
	log.Info().Msg("agent stopped")
}

// runPrompt reads commands from stdin until EOF or shutdown. Anything that
// is not a known verb is sent to the interpreter as a calendar command.
func runPrompt(ctx context.Context, cfg *config.Config, sessionService *session.Service, linkManager *callink.Manager, backendClient *backend.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	var threadID string

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		var err error
		switch fields[0] {
		case "signin":
			if len(fields) > 1 && fields[1] == "native" {
				err = sessionService.SignInNative(ctx)
			} else {
				err = sessionService.SignInOAuth(ctx)
			}
		case "link":
			if len(fields) < 2 {
				fmt.Println("usage: link native|google")
				continue
			}
			err = sessionService.Link(ctx, model.ProviderID(fields[1]))
		case "unlink":
			if len(fields) < 2 {
				fmt.Println("usage: unlink native|google")
				continue
			}
			err = sessionService.Unlink(ctx, model.ProviderID(fields[1]))
		case "signout":
			err = sessionService.SignOut(ctx)
		case "signout-all":
			err = sessionService.SignOutEverywhere(ctx)
		case "connect":
			linkManager.ResetAttempts()
			err = linkManager.RequestCalendarAccess(ctx)
		case "disconnect":
			err = linkManager.Disconnect(ctx)
		case "check":
			var check *model.GrantCheck
			check, err = linkManager.CheckRemoteGrant(ctx)
			if err == nil {
				fmt.Printf("calendar: %s %s\n", check.Status, check.Reason)
			}
		case "quit", "exit":
			return
		default:
			threadID, err = sendCommand(ctx, cfg, line, threadID, linkManager, backendClient)
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func sendCommand(ctx context.Context, cfg *config.Config, text, threadID string, linkManager *callink.Manager, backendClient *backend.Client) (string, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	}

	// A fresh calendar token per command; the manager refreshes as needed.
	calendarToken, err := linkManager.AccessToken(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("no calendar token available for command")
	}

	result, err := backendClient.ProcessCommand(ctx, backend.CommandRequest{
		CommandText:          text,
		Timezone:             cfg.Timezone,
		CalendarAccessToken:  calendarToken,
		ConversationThreadID: threadID,
	})
	if err != nil {
		return threadID, err
	}

	if result.Message != "" {
		fmt.Println(result.Message)
	}
	if result.Error != "" {
		fmt.Printf("error: %s\n", result.Error)
	}
	if result.ConversationThreadID != "" {
		return result.ConversationThreadID, nil
	}
	return threadID, nil
}

func logSnapshot(snap state.Snapshot) {
	evt := log.Info().
		Str("state", string(snap.State)).
		Str("calendar", string(snap.Calendar)).
		Bool("softExpired", snap.SoftExpired)
	if snap.Identity != nil {
		evt = evt.Str("userId", snap.Identity.ID)
	}
	if snap.ErrorMessage != "" {
		evt = evt.Str("error", snap.ErrorMessage)
	}
	evt.Msg("session state")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
