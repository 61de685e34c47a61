package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newAuthCommand() *cobra.Command {
	var resourceSet string

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authenticate with TopicMesh server",
		Long: `Authenticate with the TopicMesh server using your client ID.
This will generate a JWT token that can be used for subsequent requests.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuth(cmd, resourceSet)
		},
	}

	cmd.Flags().StringVar(&resourceSet, "resource-set", "", "Resource set the client's publish statistics are counted under")
	cmd.AddCommand(newLogoutCommand())

	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and drop its subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAuthentication(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if err := client.Logout(ctx); err != nil {
				return fmt.Errorf("logout failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func runAuth(cmd *cobra.Command, resourceSet string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	client.SetResourceSet(resourceSet)
	fmt.Fprintf(out, "Authenticating with server %s as client %s...\n", serverURL, client.ClientID())

	resp, err := client.Authenticate(ctx)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	fmt.Fprintf(out, "Authentication successful\n")
	fmt.Fprintf(out, "Token: %s\n", resp.Token)
	fmt.Fprintf(out, "Expires: %s\n", resp.ExpiresAt.Format("2006-01-02 15:04:05"))
	if resp.IsAdmin {
		fmt.Fprintf(out, "Admin: yes\n")
	}
	fmt.Fprintf(out, "\nYou can now use other commands or save this token for future use:\n")
	fmt.Fprintf(out, "  export %s=\"%s\"\n", tokenEnv, resp.Token)
	fmt.Fprintf(out, "  topicmesh-cli publish --topic sensors/room1/temp --payload '{\"celsius\":21}'\n")

	return nil
}
