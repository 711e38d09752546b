package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/collections"
	"github.com/spf13/cobra"
)

func newCollectionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collections",
		Short: "Manage collections, pins and bookmarks",
	}
	cmd.AddCommand(
		newCollectionsListCommand(),
		newCollectionsCreateCommand(),
		newCollectionsUpdateCommand(),
		newCollectionsDeleteCommand(),
		newCollectionsToggleCardCommand(),
		newCollectionsPinCommand(),
		newCollectionsBookmarkCommand(),
	)
	return cmd
}

func newCollectionsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List collections, pins and bookmarks",
		Args:  cobra.NoArgs,
		RunE: withClient(func(cmd *cobra.Command, _ []string, app *clientApp) error {
			scoped := app.scopedCollections()
			list, err := scoped.List(cmd.Context())
			if err != nil {
				return err
			}
			pinned, err := scoped.Pinned(cmd.Context())
			if err != nil {
				return err
			}
			bookmarks, err := scoped.Bookmarks(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := printCollections(out, list, pinned); err != nil {
				return err
			}
			fmt.Fprintf(out, "bookmarks: %s\n", strings.Join(bookmarks, ", "))
			return nil
		}),
	}
}

func newCollectionsCreateCommand() *cobra.Command {
	var draft collections.Draft
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a collection",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, args []string, app *clientApp) error {
			draft.Name = args[0]
			created, err := app.scopedCollections().Create(cmd.Context(), draft)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", created.ID)
			return nil
		}),
	}
	cmd.Flags().StringVar(&draft.Color, "color", "", "Display color")
	cmd.Flags().StringVar(&draft.Visibility, "visibility", "", "public, private or member")
	return cmd
}

func newCollectionsUpdateCommand() *cobra.Command {
	var name, color, visibility string
	cmd := &cobra.Command{
		Use:   "update <collection-id>",
		Short: "Rename or restyle a collection",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, args []string, app *clientApp) error {
			var patch collections.Patch
			flags := cmd.Flags()
			if flags.Changed("name") {
				patch.Name = &name
			}
			if flags.Changed("color") {
				patch.Color = &color
			}
			if flags.Changed("visibility") {
				patch.Visibility = &visibility
			}
			updated, err := app.scopedCollections().Update(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %s\n", updated.ID)
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "New name")
	cmd.Flags().StringVar(&color, "color", "", "New color")
	cmd.Flags().StringVar(&visibility, "visibility", "", "New visibility")
	return cmd
}

func newCollectionsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection-id>",
		Short: "Delete a collection",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, args []string, app *clientApp) error {
			return app.scopedCollections().Delete(cmd.Context(), args[0])
		}),
	}
}

func newCollectionsToggleCardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle-card <collection-id> <card-id>",
		Short: "Add or remove a card",
		Args:  cobra.ExactArgs(2),
		RunE: withClient(func(cmd *cobra.Command, args []string, app *clientApp) error {
			if _, known := app.coordinator.Card(args[1]); !known {
				return fmt.Errorf("card %q not found", args[1])
			}
			member, err := app.scopedCollections().ToggleCard(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), toggleLabel(member, "added", "removed"))
			return nil
		}),
	}
}

func newCollectionsPinCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pin <collection-id>",
		Short: "Pin or unpin a collection",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, args []string, app *clientApp) error {
			pinned, err := app.scopedCollections().TogglePin(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), toggleLabel(pinned, "pinned", "unpinned"))
			return nil
		}),
	}
}

func newCollectionsBookmarkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bookmark <card-id>",
		Short: "Bookmark or unbookmark a card",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, args []string, app *clientApp) error {
			bookmarked, err := app.scopedCollections().ToggleBookmark(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), toggleLabel(bookmarked, "bookmarked", "unbookmarked"))
			return nil
		}),
	}
}

func toggleLabel(on bool, onLabel, offLabel string) string {
	if on {
		return onLabel
	}
	return offLabel
}

func printCollections(out io.Writer, list []collections.Collection, pinned []string) error {
	pins := make(map[string]bool, len(pinned))
	for _, id := range pinned {
		pins[id] = true
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tNAME\tVISIBILITY\tCARDS\tPINNED")
	for _, collection := range list {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%t\n",
			collection.ID, collection.Name, collection.Visibility, len(collection.CardIDs), pins[collection.ID])
	}
	return writer.Flush()
}
