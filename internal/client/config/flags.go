package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-s", "-g", "-k", "-n", "-d", "-p", "-l", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.StoreURL, "s", cfg.StoreURL, "base URL of the shared store")
	fs.StringVar(&cfg.StoreGRPCAddr, "g", cfg.StoreGRPCAddr, "address and port of the store health endpoint")
	fs.StringVar(&cfg.ClientID, "k", cfg.ClientID, "media service client id")
	fs.StringVar(&cfg.DeviceName, "n", cfg.DeviceName, "playback device name")
	fs.StringVar(&cfg.DBPath, "d", cfg.DBPath, "local database path")
	fs.StringVar(&cfg.Passphrase, "p", cfg.Passphrase, "passphrase for the stored credential")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")
	onlineCheckInterval := fs.Int("i", int(cfg.OnlineCheckInterval.Seconds()), "online check interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.OnlineCheckInterval = time.Duration(*onlineCheckInterval) * time.Second
}
