package main

import (
	"context"

	"github.com/go-zoox/edgetunnel/core"
	"github.com/go-zoox/logger"
)

func main() {
	server, err := core.NewServer(&core.ServerConfig{
		Port: 2053,
		UUID: core.DefaultUUID,
	})
	if err != nil {
		logger.Fatal("failed to create server: %s", err)
		return
	}

	if err := server.Run(context.Background()); err != nil {
		logger.Fatal("failed to start server: %s", err)
		return
	}
}
