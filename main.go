package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	chatsync "github.com/putto11262002/chatsync/app"
	"github.com/spf13/pflag"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "config file (default ./chatsync.yaml if present)")
	envFiles := pflag.StringSlice("env", nil, "env files to load (default .env)")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	app, err := chatsync.New(ctx, &chatsync.EnvConfigLoader{File: *configFile, DotEnv: *envFiles}, os.Stdin, os.Stdout)
	if err != nil {
		failed(1, "%v\n", err)
	}
	if err := app.Run(); err != nil {
		failed(1, "%v\n", err)
	}
}

func failed(code int, s string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, s, args...)
	os.Exit(code)
}
