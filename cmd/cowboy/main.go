// Package main is the cowboy multi-service binary. Each backend service is
// a subcommand; `up` composes them all in one process for development.
package main

import (
	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// version is set by ldflags during build
var version = "dev"

type CLI struct {
	Version    kong.VersionFlag `short:"v" help:"Show version"`
	Manager    ManagerCmd       `cmd:"" help:"Run the game authority HTTP service"`
	Pipeline   PipelineCmd      `cmd:"" help:"Run the command pipeline"`
	Timer      TimerCmd         `cmd:"" help:"Run the turn-timer service"`
	BotManager BotManagerCmd    `cmd:"bot-manager" help:"Run the bot manager control plane"`
	BotService BotServiceCmd    `cmd:"bot-service" help:"Run a bot worker host"`
	Watcher    WatcherCmd       `cmd:"" help:"Run the watcher snapshot and stream service"`
	Web        WebCmd           `cmd:"" help:"Run the public command ingress"`
	Up         UpCmd            `cmd:"" help:"Run every service in one process"`
}

func main() {
	// A .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("cowboy"),
		kong.Description("Turn-based grid combat backend for humans, bots and watchers"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		},
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
