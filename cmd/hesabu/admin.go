package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/hesabu/internal/config"
	"github.com/jkaninda/hesabu/internal/identity"
)

var (
	adminConfigPath string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print session and storage statistics",
	RunE:  runStats,
}

var purgeCmd = &cobra.Command{
	Use:   "purge [session-id]",
	Short: "Purge expired sessions, or one session by id",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPurge,
}

func init() {
	for _, cmd := range []*cobra.Command{statsCmd, purgeCmd} {
		cmd.Flags().StringVar(&adminConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	}
}

func runStats(_ *cobra.Command, _ []string) error {
	sc, err := adminComponents()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	usage, err := sc.Store.TotalUsage()
	if err != nil {
		return fmt.Errorf("computing storage usage: %w", err)
	}

	out := map[string]any{
		"sessions": sc.Sessions.Stats(),
		"storage":  usage,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runPurge(_ *cobra.Command, args []string) error {
	sc, err := adminComponents()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx := context.Background()

	if len(args) == 1 {
		id := args[0]
		if !identity.Valid(id) {
			return fmt.Errorf("%q is not a session id", id)
		}
		if err := sc.Sessions.Remove(ctx, identity.SessionID(id), sc.Store); err != nil {
			return fmt.Errorf("purging session %s: %w", id, err)
		}
		fmt.Printf("purged session %s\n", id)
		return nil
	}

	purged := sc.Sessions.Sweep(ctx, sc.Config.Session.TTL(), sc.Store)
	fmt.Printf("purged %d expired session(s)\n", purged)
	return nil
}

// adminComponents loads config and hydrates the registry for one-shot
// commands.
func adminComponents() (*SharedComponents, error) {
	logger := newLogger()
	cfg, err := loadConfig(adminConfigPath, logger)
	if err != nil {
		return nil, err
	}
	sc, err := initShared(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := sc.Sessions.Hydrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("hydrating session registry: %w", err)
	}
	return sc, nil
}
