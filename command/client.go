package command

import (
	"github.com/go-zoox/cli"
	"github.com/go-zoox/edgetunnel/core"
	"github.com/go-zoox/edgetunnel/tunnel"
)

func RegisterClient(app *cli.MultipleProgram) {
	app.Register("client", &cli.Command{
		Name:  "client",
		Usage: "local SOCKS5 and HTTP proxy that tunnels to the edge server",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "edge server, format: wss://host[:port]/path or host",
				Aliases: []string{"s"},
				EnvVars: []string{"SERVER"},
			},
			&cli.StringFlag{
				Name:    "uuid",
				Usage:   "the shared credential",
				Value:   core.DefaultUUID,
				EnvVars: []string{"UUID"},
			},
			&cli.StringFlag{
				Name:    "host",
				Usage:   "Host header sent to the server, defaults to the server hostname",
				EnvVars: []string{"WS_HOST"},
			},
			&cli.StringFlag{
				Name:    "sni",
				Usage:   "tls server name, defaults to the server hostname",
				EnvVars: []string{"SNI"},
			},
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "local proxy address for both SOCKS5 and HTTP",
				Aliases: []string{"l"},
				Value:   core.DefaultListen,
				EnvVars: []string{"LISTEN"},
			},
			&cli.BoolFlag{
				Name:    "insecure",
				Usage:   "skip tls certificate verification",
				EnvVars: []string{"INSECURE"},
			},
			&cli.StringFlag{
				Name:    "fingerprint",
				Usage:   "tls client hello, empty for go tls or randomized",
				EnvVars: []string{"FINGERPRINT"},
			},
			&cli.Int64Flag{
				Name:    "handshake-timeout",
				Usage:   "websocket handshake timeout in seconds",
				Value:   int64(tunnel.DefaultHandshakeTimeout.Seconds()),
				EnvVars: []string{"HANDSHAKE_TIMEOUT"},
			},
		}, commonFlags...),
		Action: func(ctx *cli.Context) error {
			var cfg core.ClientConfig
			if err := setup(ctx, &cfg); err != nil {
				return err
			}

			applyString(ctx, "server", &cfg.Server)
			applyString(ctx, "uuid", &cfg.UUID)
			applyString(ctx, "host", &cfg.Host)
			applyString(ctx, "sni", &cfg.SNI)
			applyString(ctx, "listen", &cfg.Listen)
			applyBool(ctx, "insecure", &cfg.Insecure)
			applyString(ctx, "fingerprint", &cfg.Fingerprint)
			applyInt64(ctx, "handshake-timeout", &cfg.HandshakeTimeout)

			server, err := parseServer(cfg.Server)
			if err != nil {
				return err
			}
			cfg.Server = server

			client, err := core.NewClient(&cfg)
			if err != nil {
				return err
			}

			c, cancel := signalContext()
			defer cancel()

			return client.Run(c)
		},
	})
}
