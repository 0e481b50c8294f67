// Package commands implements the kgchat command line interface.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kgchat/kgchat/internal/config"
	"github.com/kgchat/kgchat/internal/logging"
	"github.com/kgchat/kgchat/internal/storage/sqlite"
)

var (
	cfgPath string

	cfg   *config.Config
	log   *logging.Logger
	store *sqlite.DB
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:           "kgchat",
		Short:         "Klavogonki chat client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfgPath != "" {
				paths, perr := config.GetPaths()
				if perr != nil {
					return perr
				}
				cfg, err = config.LoadFile(cfgPath, paths)
			} else {
				cfg, err = config.Load()
			}
			if err != nil {
				return err
			}

			log, err = logging.New(logging.Config{
				Level:   cfg.Logging.Level,
				File:    cfg.Logging.File,
				Console: cfg.Logging.Console,
			})
			if err != nil {
				return err
			}

			store, err = sqlite.New(cfg.Storage.DataDir)
			if err != nil {
				return fmt.Errorf("opening account store: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if store != nil {
				store.Close()
			}
			if log != nil {
				log.Close()
			}
		},
	}

	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default XDG config dir)")

	root.AddCommand(connectCmd(), sendCmd(), accountsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styleError.Render("error: "+err.Error()))
		return err
	}
	return nil
}
