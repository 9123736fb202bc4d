package main

import (
	"context"

	"github.com/go-zoox/edgetunnel/core"
	"github.com/go-zoox/logger"
)

func main() {
	client, err := core.NewClient(&core.ClientConfig{
		Server: "ws://127.0.0.1:2053/?ed=2560",
		UUID:   core.DefaultUUID,
		Listen: "127.0.0.1:1088",
	})
	if err != nil {
		logger.Fatal("failed to create client: %s", err)
		return
	}

	// curl -x socks5h://127.0.0.1:1088 https://example.com
	// curl -x http://127.0.0.1:1088 http://example.com
	if err := client.Run(context.Background()); err != nil {
		logger.Fatal("failed to start client: %s", err)
		return
	}
}
