package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/scanplane/pkg/security"
	"github.com/spf13/cobra"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Store tenant secrets",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initCLI(cmd); err != nil {
			return err
		}
		return requireTenant()
	},
}

var secretCredentialCmd = &cobra.Command{
	Use:   "credential NAME",
	Short: "Store a repository credential referenced by credentialRef",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		token, _ := cmd.Flags().GetString("token")
		if password == "" && token == "" {
			return errors.New("one of --password or --token is required")
		}

		c, err := apiClient()
		if err != nil {
			return err
		}
		if err := c.PutRepoCredential(args[0], security.RepoCredential{
			Username: username,
			Password: password,
			Token:    token,
		}); err != nil {
			return err
		}
		fmt.Printf("✓ Credential %s stored\n", args[0])
		return nil
	},
}

var secretProTokenCmd = &cobra.Command{
	Use:   "pro-token TOKEN",
	Short: "Store the engine pro token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		var expires *time.Time
		if ttl > 0 {
			t := time.Now().Add(ttl)
			expires = &t
		}

		c, err := apiClient()
		if err != nil {
			return err
		}
		if err := c.PutProToken(args[0], expires); err != nil {
			return err
		}
		fmt.Println("✓ Pro token stored")
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretCredentialCmd)
	secretCmd.AddCommand(secretProTokenCmd)

	secretCredentialCmd.Flags().String("username", "", "Username (defaults to x-access-token for tokens)")
	secretCredentialCmd.Flags().String("password", "", "Password")
	secretCredentialCmd.Flags().String("token", "", "Access token")
	secretProTokenCmd.Flags().Duration("ttl", 0, "Expire the token after this long (0 = never)")
}
