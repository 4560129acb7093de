package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dmitrijs2005/filevault/internal/server/access"
	"github.com/dmitrijs2005/filevault/internal/server/auth"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// readSecret prompts for the signing secret without echo.
var readSecret = func(cmd *cobra.Command) ([]byte, error) {
	fmt.Fprint(cmd.ErrOrStderr(), "Secret key: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(cmd.ErrOrStderr())
	return b, err
}

func newTokenCmd(o *rootOptions) *cobra.Command {
	var (
		userID   string
		roles    []string
		validity time.Duration
		prompt   bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for the download gatekeeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return errors.New("--user is required")
			}
			c, err := o.config()
			if err != nil {
				return err
			}

			secret := []byte(c.SecretKey)
			if prompt {
				if secret, err = readSecret(cmd); err != nil {
					return err
				}
			}
			if len(secret) == 0 {
				return errors.New("empty secret key")
			}
			if validity <= 0 {
				validity = c.AccessTokenValidityDuration
			}

			tok, err := auth.GenerateToken(userID, access.NormalizeRoles(roles), secret, validity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id")
	cmd.Flags().StringSliceVarP(&roles, "roles", "r", nil, "comma-separated roles, e.g. wb2,wb3")
	cmd.Flags().DurationVar(&validity, "validity", 0, "token lifetime (defaults to the configured validity)")
	cmd.Flags().BoolVar(&prompt, "prompt-secret", false, "read the secret key from the terminal")
	return cmd
}
