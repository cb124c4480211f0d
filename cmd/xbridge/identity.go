package main

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"xbridge/handshake"
	"xbridge/permission"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type idCommandeer struct {
	cmd            *cobra.Command
	rootCommandeer *rootCommandeer
}

func newIDCommandeer(rootCommandeer *rootCommandeer) *idCommandeer {
	commandeer := &idCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:   "id",
		Short: "Print the identity of this node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sealed, err := rootCommandeer.handshake(nil)
			if err != nil {
				return err
			}
			pub := sealed.PublicKey()
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cyan("hash:"), handshake.HashKey(pub))
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cyan("key: "), hex.EncodeToString(pub))
			return nil
		},
	}

	commandeer.cmd = cmd

	return commandeer
}

type trustCommandeer struct {
	cmd            *cobra.Command
	rootCommandeer *rootCommandeer
	name           string
	allow          []string
	deny           []string
	revoke         bool
	enforce        bool
}

func newTrustCommandeer(rootCommandeer *rootCommandeer) *trustCommandeer {
	commandeer := &trustCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:   "trust [hash]",
		Short: "Show or change which peers may connect",
		Long: `Without arguments, lists the known peers.

With a peer hash, as printed by "xbridge id" on the peer, trusts the peer and
records the given decisions. Actions are Interface.method, Interface.* or *:

  xbridge trust <hash> --name laptop --allow FileShare.listFiles --deny 'FileShare.*'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := rootCommandeer.permissions()
			if err != nil {
				return err
			}
			path := rootCommandeer.config.PermissionsPath()

			if cmd.Flags().Changed("enforce") {
				list.SetEnforce(commandeer.enforce)
			}

			if len(args) == 0 {
				if commandeer.revoke || commandeer.name != "" || len(commandeer.allow) > 0 || len(commandeer.deny) > 0 {
					return errors.New("A peer hash is required")
				}
				if cmd.Flags().Changed("enforce") {
					return list.Save(path)
				}
				commandeer.render(cmd, list.Enforced(), list.Entries())
				return nil
			}

			hash := strings.ToLower(args[0])
			if _, err := hex.DecodeString(hash); err != nil || len(hash) != 64 {
				return errors.Errorf("Invalid peer hash %q", args[0])
			}

			if commandeer.revoke {
				list.Revoke(hash)
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", hash)
				return list.Save(path)
			}

			list.Trust(hash, commandeer.name)
			for _, action := range commandeer.allow {
				list.Grant(hash, action, true)
			}
			for _, action := range commandeer.deny {
				list.Grant(hash, action, false)
			}
			if err := list.Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("Trusted"), hash)
			return nil
		},
	}

	cmd.Flags().StringVar(&commandeer.name, "name", "", "Name to remember the peer by")
	cmd.Flags().StringArrayVar(&commandeer.allow, "allow", nil, "Action the peer may always perform")
	cmd.Flags().StringArrayVar(&commandeer.deny, "deny", nil, "Action the peer may never perform")
	cmd.Flags().BoolVar(&commandeer.revoke, "revoke", false, "Forget the peer")
	cmd.Flags().BoolVar(&commandeer.enforce, "enforce", false, "Reject peers that are not trusted")
	commandeer.cmd = cmd

	return commandeer
}

func (t *trustCommandeer) render(cmd *cobra.Command, enforced bool, entries []permission.Entry) {
	mode := yellow("open")
	if enforced {
		mode = green("enforced")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Permissions: %s\n\n", mode)

	records := make([][]any, 0, len(entries))
	for _, e := range entries {
		actions := make([]string, 0, len(e.Always))
		for action, allowed := range e.Always {
			if allowed {
				actions = append(actions, "+"+action)
			} else {
				actions = append(actions, "-"+action)
			}
		}
		sort.Strings(actions)

		hash := e.Hash
		if len(hash) > 16 {
			hash = hash[:16]
		}
		records = append(records, []any{hash, e.Name, e.Connect, strings.Join(actions, " ")})
	}
	newRenderer(cmd.OutOrStdout()).RenderTable([]any{"Peer", "Name", "Connect", "Always"}, records)
}
