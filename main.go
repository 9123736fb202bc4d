package main

import (
	"github.com/go-zoox/cli"
	"github.com/go-zoox/edgetunnel/command"
)

func main() {
	app := cli.NewMultipleProgram(&cli.MultipleProgramConfig{
		Name:    "edgetunnel",
		Usage:   "edgetunnel carries SOCKS5 and HTTP proxy traffic over websocket tunnels.",
		Version: Version,
	})

	command.RegisterClient(app)
	command.RegisterServer(app)

	app.Run()
}
