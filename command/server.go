package command

import (
	"github.com/go-zoox/cli"
	"github.com/go-zoox/edgetunnel/core"
	"github.com/go-zoox/edgetunnel/doh"
)

func RegisterServer(app *cli.MultipleProgram) {
	app.Register("server", &cli.Command{
		Name:  "server",
		Usage: "edge relay that accepts websocket tunnels",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Usage:   "listen host",
				Value:   core.DefaultHost,
				EnvVars: []string{"HOST"},
			},
			&cli.Int64Flag{
				Name:    "port",
				Usage:   "listen port",
				Aliases: []string{"p"},
				Value:   core.DefaultPort,
				EnvVars: []string{"PORT"},
			},
			&cli.StringFlag{
				Name:    "uuid",
				Usage:   "the shared credential",
				Value:   core.DefaultUUID,
				EnvVars: []string{"UUID"},
			},
			&cli.StringFlag{
				Name:    "tls-cert",
				Usage:   "tls certificate file, serves wss together with --tls-key",
				EnvVars: []string{"TLS_CERT"},
			},
			&cli.StringFlag{
				Name:    "tls-key",
				Usage:   "tls key file",
				EnvVars: []string{"TLS_KEY"},
			},
			&cli.StringFlag{
				Name:    "doh",
				Usage:   "DNS-over-HTTPS endpoint",
				Value:   doh.DefaultEndpoint,
				EnvVars: []string{"DOH"},
			},
			&cli.StringFlag{
				Name:    "nat64-prefix",
				Usage:   "the /96 prefix used for the NAT64 retry",
				Value:   doh.DefaultNAT64Prefix,
				EnvVars: []string{"NAT64_PREFIX"},
			},
			&cli.BoolFlag{
				Name:    "disable-nat64",
				Usage:   "never retry through NAT64",
				EnvVars: []string{"DISABLE_NAT64"},
			},
			&cli.Int64Flag{
				Name:    "connect-timeout",
				Usage:   "destination connect timeout in seconds",
				Value:   int64(core.DefaultConnectTimeout.Seconds()),
				EnvVars: []string{"CONNECT_TIMEOUT"},
			},
			&cli.Int64Flag{
				Name:    "idle-timeout",
				Usage:   "destination idle timeout in seconds",
				Value:   int64(core.DefaultIdleTimeout.Seconds()),
				EnvVars: []string{"IDLE_TIMEOUT"},
			},
		}, commonFlags...),
		Action: func(ctx *cli.Context) error {
			var cfg core.ServerConfig
			if err := setup(ctx, &cfg); err != nil {
				return err
			}

			applyString(ctx, "host", &cfg.Host)
			applyInt64(ctx, "port", &cfg.Port)
			applyString(ctx, "uuid", &cfg.UUID)
			applyString(ctx, "tls-cert", &cfg.TLSCert)
			applyString(ctx, "tls-key", &cfg.TLSKey)
			applyString(ctx, "doh", &cfg.DoH)
			applyString(ctx, "nat64-prefix", &cfg.NAT64Prefix)
			applyBool(ctx, "disable-nat64", &cfg.DisableNAT64)
			applyInt64(ctx, "connect-timeout", &cfg.ConnectTimeout)
			applyInt64(ctx, "idle-timeout", &cfg.IdleTimeout)

			server, err := core.NewServer(&cfg)
			if err != nil {
				return err
			}

			c, cancel := signalContext()
			defer cancel()

			return server.Run(c)
		},
	})
}
