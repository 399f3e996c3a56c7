package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"chatrelay/internal/access"
	"chatrelay/internal/config"
	"chatrelay/internal/memory"
)

func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage DM pairings",
		Long:  "Approve pairing codes and inspect or revoke paired users. Operates on the same database as the running daemon.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "approve [code]",
		Short: "Approve a pairing code shown to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *memory.SQLiteStore) error {
				svc := access.NewPairingService(store, store, 0, logger)
				ok, err := svc.Approve(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no pending pairing with code %s (codes expire after 10 minutes)", args[0])
				}
				fmt.Println("Paired.")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List paired users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *memory.SQLiteStore) error {
				pairings, err := store.ListPairings(ctx)
				if err != nil {
					return err
				}
				if len(pairings) == 0 {
					fmt.Println("No paired users.")
					return nil
				}
				for _, p := range pairings {
					expiry := "never"
					if p.ExpiresAt != nil {
						expiry = p.ExpiresAt.Format("2006-01-02")
					}
					fmt.Printf("%s:%s\tpaired %s\texpires %s\n",
						p.Transport, p.UserID, p.PairedAt.Format("2006-01-02"), expiry)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke [transport] [userID]",
		Short: "Revoke a pairing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *memory.SQLiteStore) error {
				if err := store.RevokePairing(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Println("Revoked.")
				return nil
			})
		},
	})

	return cmd
}

func withStore(fn func(context.Context, *memory.SQLiteStore) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()
	return fn(context.Background(), store)
}
