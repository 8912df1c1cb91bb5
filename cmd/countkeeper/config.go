package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	cli "github.com/urfave/cli/v2"
)

type Config struct {
	DiscordToken    string
	GuildID         string
	ChannelID       string
	GatewayHost     string
	APIHost         string
	APIRateLimit    float64
	DeleteQueueSize int
	Logger          *slog.Logger
}

func ConfigFromCLI(cctx *cli.Context) (Config, error) {
	config := Config{
		DiscordToken:    strings.TrimSpace(cctx.String("discord-token")),
		GuildID:         strings.TrimSpace(cctx.String("guild-id")),
		ChannelID:       strings.TrimSpace(cctx.String("channel-id")),
		GatewayHost:     cctx.String("gateway-host"),
		APIHost:         cctx.String("api-host"),
		APIRateLimit:    cctx.Float64("api-rate-limit"),
		DeleteQueueSize: cctx.Int("delete-queue-size"),
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Checks for the configuration faults which must stop the process before it connects.
func (c *Config) Validate() error {
	if c.DiscordToken == "" {
		return errors.New("discord token is required (DISCORD_TOKEN)")
	}
	if err := validateSnowflake("guild", c.GuildID); err != nil {
		return fmt.Errorf("%w (DISCORD_SERVER_ID)", err)
	}
	if err := validateSnowflake("channel", c.ChannelID); err != nil {
		return fmt.Errorf("%w (COUNTING_CHANNEL_ID)", err)
	}
	if c.APIRateLimit <= 0 {
		return fmt.Errorf("api rate limit must be positive: %v", c.APIRateLimit)
	}
	if c.DeleteQueueSize <= 0 {
		return fmt.Errorf("delete queue size must be positive: %d", c.DeleteQueueSize)
	}
	return nil
}

// discord IDs are unsigned 64-bit integers, serialized as decimal strings
func validateSnowflake(name, id string) error {
	if id == "" {
		return fmt.Errorf("%s ID is required", name)
	}
	v, err := strconv.ParseUint(id, 10, 64)
	if err != nil || v == 0 {
		return fmt.Errorf("invalid %s ID: %q", name, id)
	}
	return nil
}
