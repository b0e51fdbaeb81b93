package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oauth2-server/internal/config"
	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
)

func newClientsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage registered clients",
	}
	cmd.AddCommand(newClientsCreateCmd(root), newClientsListCmd(root))
	return cmd
}

type createOptions struct {
	clientID     string
	name         string
	clientType   string
	redirectURIs []string
	scopes       []string
	owner        string
}

func newClientsCreateCmd(root *rootOptions) *cobra.Command {
	opts := &createOptions{}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a client and print its credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, cfg.NewLogger(os.Stderr))
			if err != nil {
				return err
			}
			defer a.Close()

			clientType, err := server.ParseClientType(opts.clientType)
			if err != nil {
				return err
			}
			client, secret, err := a.server.Clients.Register(cmd.Context(), server.ClientSpec{
				ClientID:      opts.clientID,
				Name:          opts.name,
				Type:          clientType,
				RedirectURIs:  opts.redirectURIs,
				AllowedScopes: opts.scopes,
				OwnerUserID:   opts.owner,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "client_id:     %s\n", client.ClientID)
			if secret != "" {
				fmt.Fprintf(out, "client_secret: %s\n", secret)
				fmt.Fprintln(out, "The secret is shown once and cannot be recovered.")
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.clientID, "client-id", "", "Client ID (generated when empty)")
	f.StringVar(&opts.name, "name", "", "Display name shown on the consent page")
	f.StringVar(&opts.clientType, "type", string(server.ClientTypeConfidential), "Client type: confidential or public")
	f.StringSliceVar(&opts.redirectURIs, "redirect-uri", nil, "Allowed redirect URI (repeatable)")
	f.StringSliceVar(&opts.scopes, "scope", nil, "Allowed scope (repeatable)")
	f.StringVar(&opts.owner, "owner", "", "Owning user ID")
	_ = cmd.MarkFlagRequired("redirect-uri")
	return cmd
}

func newClientsListCmd(root *rootOptions) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, cfg.NewLogger(os.Stderr))
			if err != nil {
				return err
			}
			defer a.Close()

			clients, err := a.server.Clients.List(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return printClients(cmd.OutOrStdout(), clients)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Only list clients owned by this user")
	return cmd
}

func printClients(w io.Writer, clients []*storage.Client) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT ID\tNAME\tTYPE\tACTIVE\tOWNER\tSCOPES")
	for _, c := range clients {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
			c.ClientID, c.Name, c.ClientType, c.Active, c.OwnerUserID, strings.Join(c.AllowedScopes, ","))
	}
	return tw.Flush()
}
