package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/hsn0918/serptrack/internal/config"
	"github.com/hsn0918/serptrack/internal/logger"
	"github.com/hsn0918/serptrack/internal/server"
)

func main() {
	configPath := flag.String("config", ".", "目录：包含 config.yaml 的配置路径")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Log.Level); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(server.Modules(cfg))
	app.Run()
}
