package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/countkeeper/countkeeper/counting"
	"github.com/countkeeper/countkeeper/discord"
	"github.com/countkeeper/countkeeper/moderator"
	"github.com/countkeeper/countkeeper/util"

	"github.com/carlmjohnson/versioninfo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// gateway intents needed to see message text in guild channels
const intents = discord.IntentGuilds | discord.IntentGuildMessages | discord.IntentMessageContent

type Server struct {
	logger  *slog.Logger
	api     *discord.Client
	gateway *discord.Gateway
	mod     *moderator.Moderator
}

func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	gatewayURL, err := discord.GatewayURL(config.GatewayHost)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway host: %w", err)
	}

	httpClient := util.RobustHTTPClient(logger)
	httpClient.Transport = otelhttp.NewTransport(httpClient.Transport)

	api := discord.NewClient(config.APIHost, config.DiscordToken, httpClient)
	api.Limiter = rate.NewLimiter(rate.Limit(config.APIRateLimit), 1)
	api.UserAgent = fmt.Sprintf("DiscordBot (https://github.com/countkeeper/countkeeper, %s)", versioninfo.Short())

	session := counting.NewSession(config.GuildID, config.ChannelID, logger)
	mod := moderator.New(session, api, config.DeleteQueueSize, logger)

	gw := discord.NewGateway(gatewayURL, config.DiscordToken, intents, logger)
	gw.UserAgent = "countkeeper/" + versioninfo.Short()
	gw.OnReady = mod.HandleReady
	gw.OnMessageCreate = mod.HandleMessage

	s := &Server{
		logger:  logger,
		api:     api,
		gateway: gw,
		mod:     mod,
	}
	return s, nil
}

// Looks up the bot's own user over REST. A rejected token is fatal; other failures are left for the gateway to retry.
func (s *Server) CheckCredentials(ctx context.Context) error {
	user, err := s.api.CurrentUser(ctx)
	if err != nil {
		if discord.IsUnauthorized(err) {
			return fmt.Errorf("discord rejected bot token: %w", err)
		}
		s.logger.Warn("failed to fetch bot user, continuing", "err", err)
		return nil
	}
	s.mod.SetSelfID(user.ID)
	s.logger.Info("authenticated with discord API", "user", user.Username, "id", user.ID)
	return nil
}

// Runs the gateway session and the deletion worker until the context is cancelled or the gateway fails fatally.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.mod.RunDeleter(ctx)
	})
	eg.Go(func() error {
		// the deleter stops with the gateway, including on clean shutdown
		defer cancel()
		s.logger.Info("connecting to discord gateway", "url", s.gateway.URL)
		err := s.gateway.Run(ctx)
		if errors.Is(err, discord.ErrAuthenticationFailed) {
			return fmt.Errorf("discord login failed: %w", err)
		}
		return err
	})
	return eg.Wait()
}

func (s *Server) RunMetrics(listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.logger.Info("starting metrics endpoint", "listen", listen)
	return http.ListenAndServe(listen, mux)
}
