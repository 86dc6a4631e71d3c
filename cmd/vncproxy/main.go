package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"vncproxy/internal/config"
	"vncproxy/internal/constants"
	"vncproxy/internal/server"
	"vncproxy/internal/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet(constants.AppName, pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "", "YAML configuration file (env VNCPROXY_CONFIG)")
	envFile := flagSet.String("env-file", ".env", "dotenv file loaded before reading the environment")
	config.RegisterFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}

	path := *configPath
	if path == "" {
		path = utils.GetEnv(config.EnvPrefix+"CONFIG", "")
	}

	cfg, err := config.Load(path, os.LookupEnv)
	if err != nil {
		return err
	}
	if err := cfg.ApplyFlags(flagSet); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := server.NewServer(ctx, cfg)
	if err != nil {
		log.Printf("Failed to initialize server: %v", err)
		return err
	}
	return s.Run(ctx)
}
