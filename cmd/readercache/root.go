package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/lflare/readercache-golang/internal/readercache"
	"github.com/spf13/cobra"
)

var (
	configFile   string
	outputFormat string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "readercache",
		Short: "Cover and page-text cache for the reading client",
		Long: `readercache keeps book covers and page text close to the reader.

It resolves covers through the backend cover cache, stores fetched page text
within a small storage quota, and cancels server work when the reader moves on.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "config.toml", "location of the configuration file")
	cmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "yaml", "output format: yaml or json")

	cmd.AddCommand(
		newServeCmd(),
		newCoversCmd(),
		newReadCmd(),
		newUsageCmd(),
		newSessionCmd(),
		newShrinkDatabaseCmd(),
	)
	return cmd
}

func output(data any) error {
	return readercache.OutputTo(os.Stdout, readercache.ParseOutputFormat(outputFormat), data)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the loopback cache API",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := readercache.StartServer(cmd.Context(), configFile)
			if errors.Is(err, readercache.ErrDefaultConfigWritten) {
				fmt.Fprintf(os.Stderr, "%v: %s\n", err, configFile)
				return nil
			}
			return err
		},
	}
}

func newCoversCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "covers",
		Short: "Inspect and refresh cached covers",
	}

	var retry bool
	resolve := &cobra.Command{
		Use:   "resolve <book_id>...",
		Short: "Resolve covers for the given books",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := readercache.ResolveCovers(cmd.Context(), configFile, args, retry)
			if err != nil {
				return err
			}
			return output(results)
		},
	}
	resolve.Flags().BoolVar(&retry, "retry", false, "clear cached covers before resolving")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget every cached cover",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return readercache.ClearCovers(configFile)
		},
	}

	cmd.AddCommand(resolve, clearCmd)
	return cmd
}

func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <book_id>",
		Short: "Fetch every page of a book into the page store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := readercache.ReadBook(cmd.Context(), configFile, args[0])
			if outErr := output(snapshot); outErr != nil {
				return outErr
			}
			return err
		},
	}
}

func newUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show how the storage quota is spent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := readercache.Usage(configFile)
			if err != nil {
				return err
			}
			return output(report)
		},
	}
}

func newSessionCmd() *cobra.Command {
	var drop bool
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Show or clear the persisted session id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := readercache.Session(configFile, drop)
			if err != nil {
				return err
			}
			return output(map[string]string{"session_id": id})
		},
	}
	cmd.Flags().BoolVar(&drop, "clear", false, "drop the session id")
	return cmd
}

func newShrinkDatabaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shrink-database",
		Short: "Compact cache.db (may take a long time)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return readercache.ShrinkDatabase(cmd.Context(), configFile)
		},
	}
}
