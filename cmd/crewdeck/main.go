package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/crewdeck/crewdeck/internal/backend"
	"github.com/crewdeck/crewdeck/internal/cli"
	"github.com/crewdeck/crewdeck/internal/config"
	"github.com/crewdeck/crewdeck/internal/session"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/crewdeck/crewdeck/internal/tui"
)

func main() {
	// Root flags (apply to every subcommand)
	groupOwned := flag.Bool("group", false, "group ls output by owned/joined")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}

	client := backend.New(cfg.BackendURL, cfg.AnonKey)
	sessions := session.NewHolder(client, logger)
	st := store.New(client, logger)

	snapshot := ""
	if home, err := os.UserHomeDir(); err == nil {
		snapshot = filepath.Join(home, ".crewdeck", "projects.json")
		st.SetSnapshotPath(snapshot)
	}

	// No args: interactive screens.
	args := flag.Args()
	if len(args) == 0 {
		err := tui.Run(tui.Env{Sessions: sessions, Store: st, Log: logger})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	env := cli.Env{
		Client:       client,
		Sessions:     sessions,
		Store:        st,
		Log:          logger,
		SnapshotPath: snapshot,
	}
	os.Exit(cli.Run(env, args, cli.Options{Group: *groupOwned}))
}
