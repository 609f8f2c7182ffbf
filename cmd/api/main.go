package main

import (
	"context"

	"github.com/alecthomas/kong"

	"deskline/api/cmd/api/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool `help:"Enable debug logging with a console writer."`
		Version kong.VersionFlag
		Serve   commands.ServeCmd   `cmd:"" default:"1" help:"Run the HTTP API, websocket gateway and bus consumers."`
		Migrate commands.MigrateCmd `cmd:"" help:"Apply or roll back database migrations."`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("deskline-api"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
