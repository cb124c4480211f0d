package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"xbridge/channel"
	"xbridge/fileshare"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type listCommandeer struct {
	cmd            *cobra.Command
	rootCommandeer *rootCommandeer
}

func newListCommandeer(rootCommandeer *rootCommandeer) *listCommandeer {
	commandeer := &listCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List the files a server shares",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, done, err := rootCommandeer.fileShare(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer done()

			list, err := remote.ListFiles(cmd.Context())
			if err != nil {
				return err
			}
			records := make([][]any, 0, len(list.Files))
			for _, f := range list.Files {
				records = append(records, []any{
					f.Name,
					humanSize(f.Size),
					time.Unix(f.Modified, 0).Format(time.DateTime),
				})
			}
			newRenderer(cmd.OutOrStdout()).RenderTable([]any{"Name", "Size", "Modified"}, records)
			return nil
		},
	}

	commandeer.cmd = cmd

	return commandeer
}

type sendCommandeer struct {
	cmd            *cobra.Command
	rootCommandeer *rootCommandeer
}

func newSendCommandeer(rootCommandeer *rootCommandeer) *sendCommandeer {
	commandeer := &sendCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:   "send file [name]",
		Short: "Upload a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := filepath.Base(args[0])
			if len(args) == 2 {
				name = args[1]
			}

			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "Failed to open file")
			}
			defer f.Close()

			remote, done, err := rootCommandeer.fileShare(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer done()

			if err := remote.SendFile(cmd.Context(), name, channel.NewStream(f)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s as %s\n", args[0], name)
			return nil
		},
	}

	commandeer.cmd = cmd

	return commandeer
}

type getCommandeer struct {
	cmd            *cobra.Command
	rootCommandeer *rootCommandeer
}

func newGetCommandeer(rootCommandeer *rootCommandeer) *getCommandeer {
	commandeer := &getCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:   "get name [destination]",
		Short: "Download a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := filepath.Base(args[0])
			if len(args) == 2 {
				dest = args[1]
			}

			remote, done, err := rootCommandeer.fileShare(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer done()

			offer, err := remote.RequestFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Downloading %s (%s), session %s\n", offer.Name, humanSize(offer.Size), offer.SessionId)
			return download(cmd.Context(), remote, offer.SessionId, offer.Expect, dest, false)
		},
	}

	commandeer.cmd = cmd

	return commandeer
}

type resumeCommandeer struct {
	cmd            *cobra.Command
	rootCommandeer *rootCommandeer
	kind           string
}

func newResumeCommandeer(rootCommandeer *rootCommandeer) *resumeCommandeer {
	commandeer := &resumeCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:   "resume session destination",
		Short: "Continue an interrupted download",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, done, err := rootCommandeer.fileShare(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer done()
			return download(cmd.Context(), remote, args[0], commandeer.kind, args[1], true)
		},
	}

	cmd.Flags().StringVar(&commandeer.kind, "kind", fileshare.KindNext, "Message kind the session expects")
	commandeer.cmd = cmd

	return commandeer
}

// resumeHint is the command line that retries the step expecting kind.
func resumeHint(id, kind, dest string) string {
	return fmt.Sprintf("xbridge resume --kind %s %s %s", kind, id, dest)
}

// download resumes a get session until it completes, writing every part to
// dest. A failed step leaves the session on the server; the error says how to
// continue.
func download(ctx context.Context, remote *fileshare.PrFileShare, id, kind, dest string, appending bool) error {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appending {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(dest, flags, 0644)
	if err != nil {
		return errors.Wrap(err, "Failed to open destination")
	}
	defer f.Close()

	for kind != "" {
		reply, err := remote.Resume(ctx, id, kind)
		if err != nil {
			return errors.Wrapf(err, "download interrupted, continue with: %s", resumeHint(id, kind, dest))
		}
		if _, err := f.Write(reply.Data); err != nil {
			return errors.Wrap(err, "Failed to write destination")
		}
		kind = reply.Expect
	}
	return errors.Wrap(f.Close(), "Failed to close destination")
}

type removeCommandeer struct {
	cmd            *cobra.Command
	rootCommandeer *rootCommandeer
	yes            bool
}

func newRemoveCommandeer(rootCommandeer *rootCommandeer) *removeCommandeer {
	commandeer := &removeCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:     "rm name",
		Aliases: []string{"delete"},
		Short:   "Delete a shared file",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, done, err := rootCommandeer.fileShare(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer done()

			offer, err := remote.DeleteFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !commandeer.yes && !confirm(cmd, fmt.Sprintf("Delete %s (%s)?", offer.Name, humanSize(offer.Size))) {
				return remote.Abort(cmd.Context(), offer.SessionId)
			}
			if _, err := remote.Resume(cmd.Context(), offer.SessionId, offer.Expect); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", offer.Name)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&commandeer.yes, "yes", "y", false, "Do not ask for confirmation")
	commandeer.cmd = cmd

	return commandeer
}

type abortCommandeer struct {
	cmd            *cobra.Command
	rootCommandeer *rootCommandeer
}

func newAbortCommandeer(rootCommandeer *rootCommandeer) *abortCommandeer {
	commandeer := &abortCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:   "abort session",
		Short: "Drop a pending download or deletion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, done, err := rootCommandeer.fileShare(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer done()
			return remote.Abort(cmd.Context(), args[0])
		},
	}

	commandeer.cmd = cmd

	return commandeer
}

func confirm(cmd *cobra.Command, question string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N] ", question)
	answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
