package command

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-zoox/cli"
	"github.com/go-zoox/config"
	"github.com/go-zoox/edgetunnel/core"
	"github.com/go-zoox/fs"
	"github.com/go-zoox/logger"
)

var commonFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Usage:   "the filepath for configuration (yaml, toml or json)",
		Aliases: []string{"c"},
		EnvVars: []string{"CONFIG"},
	},
	&cli.BoolFlag{
		Name:    "debug",
		Usage:   "enable debug logs",
		EnvVars: []string{"DEBUG"},
	},
}

func setup(ctx *cli.Context, cfg interface{}) error {
	if ctx.Bool("debug") {
		logger.SetLevel("debug")
	}

	filepath := ctx.String("config")
	if filepath == "" {
		return nil
	}

	if !fs.IsExist(filepath) {
		return fmt.Errorf("config file not found at %s", filepath)
	}

	if err := config.Load(cfg, &config.LoadOptions{
		FilePath: filepath,
	}); err != nil {
		return fmt.Errorf("failed to load config file at %s: %v", filepath, err)
	}

	return nil
}

// applyString lets a flag given on the command line or through env win
// over the config file. The flag default only fills what the file left
// empty.
func applyString(ctx *cli.Context, name string, dst *string) {
	if ctx.IsSet(name) || *dst == "" {
		*dst = ctx.String(name)
	}
}

func applyInt64(ctx *cli.Context, name string, dst *int64) {
	if ctx.IsSet(name) || *dst == 0 {
		*dst = ctx.Int64(name)
	}
}

func applyBool(ctx *cli.Context, name string, dst *bool) {
	if ctx.IsSet(name) {
		*dst = ctx.Bool(name)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// parseServer turns host, host:port or a ws/wss/http/https url into the
// websocket endpoint. A bare host gets wss and the default path.
func parseServer(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("server is required")
	}

	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server: %v", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server scheme(%s), only support ws/wss", u.Scheme)
	}

	if u.Hostname() == "" {
		return "", fmt.Errorf("invalid server: missing host")
	}

	if (u.Path == "" || u.Path == "/") && u.RawQuery == "" {
		path, _ := url.Parse(core.DefaultPath)
		u.Path = path.Path
		u.RawQuery = path.RawQuery
	}

	return u.String(), nil
}
