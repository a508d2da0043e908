package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/fx"

	"github.com/pigeonai/pigeon/internal/config"
	"github.com/pigeonai/pigeon/internal/daemon"
	"github.com/pigeonai/pigeon/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides $PIGEON_SESSION and config default)")
	configFlag := flag.String("config", "", "engine config file (default: the session's pigeon.toml)")
	userFlag := flag.String("user", "", "user id (overrides user_id from the engine config)")
	levelFlag := flag.String("log-level", "", "log level (overrides log.level from ~/.pigeon/config.toml)")
	initFlag := flag.Bool("init", false, "write a default pigeon.toml for the session and exit")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatal(err)
	}

	if *initFlag {
		path, err := initEngine(sessionName, *userFlag)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("wrote %s\n", path)
		return
	}

	p := daemon.Params{SessionName: sessionName, LogLevel: *levelFlag}
	if *configFlag != "" || *userFlag != "" {
		path := *configFlag
		if path == "" {
			path = session.EngineConfigPath(sessionName)
		}
		cfg, err := config.LoadEngine(path)
		if err != nil {
			fatal(err)
		}
		if *userFlag != "" {
			cfg.UserID = *userFlag
		}
		p.Engine = cfg
	}

	fx.New(daemon.Module(p)).Run()
}

// initEngine writes the default engine config unless the session already has
// one.
func initEngine(sessionName, userID string) (string, error) {
	path := session.EngineConfigPath(sessionName)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if err := session.EnsureDir(sessionName); err != nil {
		return "", err
	}
	cfg := config.DefaultEngine()
	cfg.UserID = userID
	return path, config.SaveEngine(path, &cfg)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
