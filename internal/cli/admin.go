package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/crystal/internal/decay"
	"github.com/lazypower/crystal/internal/identity"
	"github.com/lazypower/crystal/internal/store"
)

// --- token command ---

var (
	tokenName string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <user>",
	Short: "Issue a bearer token signed with the server secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return errors.New("CRYSTAL_AUTH_JWT_SECRET is not set")
		}
		if err := store.ValidateUserID(args[0]); err != nil {
			return err
		}

		tok, err := identity.IssueToken(cfg.Auth.JWTSecret, identity.Session{
			UserID:   args[0],
			Username: tokenName,
		}, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

// --- crystals command ---

var crystalsCmd = &cobra.Command{
	Use:   "crystals",
	Short: "List every relationship crystal in the local database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDB(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		refs, err := db.ListRelationships(context.Background())
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			fmt.Println("No crystals yet.")
			return nil
		}

		now := time.Now()
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CONVERSATION\tLEVEL\tSTREAK\tLAST INTERACTION")
		for _, r := range refs {
			c := decay.Evaluate(r.Seed(), now)
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.ConversationID, c.Level, c.Streak,
				c.LastInteractionAt.Local().Format(time.RFC822))
		}
		return tw.Flush()
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "Display name carried in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "Token lifetime")
}

func openDB(path string) (*store.DB, error) {
	if path == "" {
		var err error
		path, err = store.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	return store.Open(path)
}
