package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/hubgate/api"
	"github.com/jmcleod/hubgate/directory"
	"github.com/jmcleod/hubgate/internal/config"
)

var (
	connectUser   string
	connectRotate bool
	connectJSON   bool
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Issue client credentials and an authorization code for a user",
	Long: `Create (or reuse) the client credential of a site user and a fresh
authorization code. The hub exchanges the code at /api/v1/token for the
user's token set.

The command opens the storage directly, so it only works while no server
holds the bbolt file. Against a running server use POST /admin/connect.
The memory backend is refused: nothing written here would reach a server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if cfg.Storage.Backend == config.BackendMemory {
			return errors.New("connect needs persistent storage; with the memory backend use POST /admin/connect on the running server")
		}

		ctx := context.Background()
		repo, closeRepo, err := openStorage(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeRepo()

		secret, err := loadStorageSecret(cfg.Resolve(cfg.Keys.StorageSecret))
		if err != nil {
			return err
		}
		tokens, err := newTokenManager(cfg, repo, secret)
		if err != nil {
			return err
		}
		users, err := directory.LoadFile(cfg.Resolve(cfg.UsersFile), repo)
		if err != nil {
			return fmt.Errorf("failed to load users: %w", err)
		}

		user, err := users.LookupByLogin(ctx, connectUser)
		if err != nil {
			return err
		}

		client, ok, err := tokens.Client(ctx, user.ID)
		if err != nil {
			return err
		}
		if !ok || connectRotate {
			if client, err = tokens.CreateClient(ctx, user.ID); err != nil {
				return err
			}
		}
		code, err := tokens.CreateAuthorizationCode(ctx, user.ID)
		if err != nil {
			return err
		}

		res := api.ConnectResponse{
			UserID:       user.ID,
			ClientID:     client.ID,
			ClientSecret: client.Secret,
			Code:         code.Code,
			CodeExpires:  code.ExpiresAt.UTC(),
		}
		out := cmd.OutOrStdout()
		if connectJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		fmt.Fprintf(out, "user:          %s (%s)\n", user.Login, res.UserID)
		fmt.Fprintf(out, "client_id:     %s\n", res.ClientID)
		fmt.Fprintf(out, "client_secret: %s\n", res.ClientSecret)
		fmt.Fprintf(out, "code:          %s\n", res.Code)
		fmt.Fprintf(out, "code expires:  %s\n", res.CodeExpires.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(connectCmd)
	connectCmd.Flags().StringVarP(&connectUser, "user", "u", "", "Login of the site user to connect")
	connectCmd.Flags().BoolVar(&connectRotate, "rotate", false, "Replace an existing client credential")
	connectCmd.Flags().BoolVar(&connectJSON, "json", false, "Print the result as JSON")
	_ = connectCmd.MarkFlagRequired("user")
}
