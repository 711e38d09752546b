package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/activity"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/catalog"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/collections"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/config"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/coordinator"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/database"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/events"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/identity"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/kv"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/localstore"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/logging"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/remote"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// clientApp is one device session: the coordinator over the device store plus the
// collections of the current identity.
type clientApp struct {
	coordinator *coordinator.Coordinator
	collections *collections.Store
	close       func()
}

func (a *clientApp) scopedCollections() *collections.Scoped {
	return a.collections.Scope(a.coordinator.Identity().ID)
}

func openClient(ctx context.Context) (*clientApp, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logging.Options{Level: clientConfig.LogLevel, Console: true})
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(clientConfig.DeviceDB, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	closeAll := func() {
		_ = sqlDB.Close()
		_ = logger.Sync()
	}
	store, err := kv.NewSQLStore(db, time.Now)
	if err != nil {
		closeAll()
		return nil, err
	}
	app, err := buildClient(ctx, clientConfig, store, logger)
	if err != nil {
		closeAll()
		return nil, err
	}
	app.close = closeAll
	return app, nil
}

// buildClient wires a device session over store and picks its backend.
func buildClient(ctx context.Context, clientConfig config.ClientConfig, store kv.Store, logger *zap.Logger) (*clientApp, error) {
	resolver, err := identity.NewResolver(identity.ResolverConfig{Store: store, Logger: logger})
	if err != nil {
		return nil, err
	}
	local, err := localstore.New(localstore.Config{Store: store, Logger: logger})
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewRegistry(session.Config{Store: store, KnownUsers: clientConfig.KnownUsers, Logger: logger})
	if err != nil {
		return nil, err
	}
	localBackend, err := coordinator.NewLocalBackend(local, sessions)
	if err != nil {
		return nil, err
	}

	var remoteBackend *coordinator.RemoteBackend
	if clientConfig.RemoteURL != "" {
		client, err := remote.New(remote.Config{
			BaseURL: clientConfig.RemoteURL,
			Timeout: clientConfig.Timeout,
			Tokens:  resolver,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		if remoteBackend, err = coordinator.NewRemoteBackend(client); err != nil {
			return nil, err
		}
	}

	seed, err := catalog.Load(clientConfig.SeedFile)
	if err != nil {
		return nil, err
	}
	dispatcher := events.NewDispatcher()
	coord, err := coordinator.New(coordinator.Config{
		Local:    localBackend,
		Remote:   remoteBackend,
		Identity: resolver,
		Catalog:  seed,
		Events:   dispatcher,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	collectionStore, err := collections.New(collections.Config{Store: store, Logger: logger, Events: dispatcher})
	if err != nil {
		return nil, err
	}

	coord.Init(ctx)
	return &clientApp{coordinator: coord, collections: collectionStore, close: func() {}}, nil
}

// withClient runs fn against a freshly opened device session.
func withClient(fn func(cmd *cobra.Command, args []string, app *clientApp) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer app.close()
		return fn(cmd, args, app)
	}
}

func newClientCommands() []*cobra.Command {
	return []*cobra.Command{
		newCardsCommand(),
		newVoteCommand(),
		newCommentCommand(),
		newCreateCardCommand(),
		newLoginCommand(),
		newLogoutCommand(),
		newWhoamiCommand(),
		newCollectionsCommand(),
	}
}

func newCardsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cards",
		Short: "List cards with merged counts",
		Args:  cobra.NoArgs,
		RunE: withClient(func(cmd *cobra.Command, _ []string, app *clientApp) error {
			return printCards(cmd.OutOrStdout(), app.coordinator.Cards())
		}),
	}
}

func newVoteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "vote <card-id> <A|B>",
		Short: "Vote on a card",
		Args:  cobra.ExactArgs(2),
		RunE: withClient(func(cmd *cobra.Command, args []string, app *clientApp) error {
			option, err := activity.ParseOption(args[1])
			if err != nil {
				return err
			}
			view, err := app.coordinator.Vote(cmd.Context(), args[0], option)
			if err != nil {
				return err
			}
			return printCards(cmd.OutOrStdout(), []coordinator.CardView{view})
		}),
	}
}

func newCommentCommand() *cobra.Command {
	var author, icon string
	cmd := &cobra.Command{
		Use:   "comment <card-id> <text>...",
		Short: "Comment on a card",
		Args:  cobra.MinimumNArgs(2),
		RunE: withClient(func(cmd *cobra.Command, args []string, app *clientApp) error {
			name := author
			if strings.TrimSpace(name) == "" {
				name = app.coordinator.Identity().ID
			}
			view, err := app.coordinator.Comment(cmd.Context(), args[0],
				activity.Author{Name: name, IconURL: icon}, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, comment := range view.Comments {
				fmt.Fprintf(out, "%s  %s: %s\n", comment.Timestamp, comment.User.Name, comment.Text)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&author, "author", "", "Display name (defaults to the identity)")
	cmd.Flags().StringVar(&icon, "icon-url", "", "Avatar URL")
	return cmd
}

func newCreateCardCommand() *cobra.Command {
	var card activity.CardBaseline
	cmd := &cobra.Command{
		Use:   "create-card",
		Short: "Publish a new card",
		Args:  cobra.NoArgs,
		RunE: withClient(func(cmd *cobra.Command, _ []string, app *clientApp) error {
			created, err := app.coordinator.CreateCard(cmd.Context(), card)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s by %s\n", created.Card.ID, created.UserID)
			return nil
		}),
	}
	flags := cmd.Flags()
	flags.StringVar(&card.ID, "id", "", "Card id (generated when empty)")
	flags.StringVar(&card.Question, "question", "", "Question")
	flags.StringVar(&card.OptionA, "option-a", "", "First option")
	flags.StringVar(&card.OptionB, "option-b", "", "Second option")
	flags.StringSliceVar(&card.Tags, "tags", nil, "Tags")
	flags.StringVar(&card.Visibility, "visibility", "public", "Visibility")
	flags.StringVar(&card.PeriodEnd, "period-end", "", "Voting period end (RFC 3339)")
	_ = cmd.MarkFlagRequired("question")
	_ = cmd.MarkFlagRequired("option-a")
	_ = cmd.MarkFlagRequired("option-b")
	return cmd
}

func newLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login <user-id>",
		Short: "Log in as a known user",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, args []string, app *clientApp) error {
			user, err := app.coordinator.Login(cmd.Context(), args[0])
			if errors.Is(err, activity.ErrAlreadyActive) {
				return fmt.Errorf("%s is already logged in on another device", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (%s)\n", user.ID, app.coordinator.Mode())
			return nil
		}),
	}
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out and start a new guest session",
		Args:  cobra.NoArgs,
		RunE: withClient(func(cmd *cobra.Command, _ []string, app *clientApp) error {
			guest, err := app.coordinator.Logout(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "now %s\n", guest)
			return nil
		}),
	}
}

func newWhoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current identity and backend",
		Args:  cobra.NoArgs,
		RunE: withClient(func(cmd *cobra.Command, _ []string, app *clientApp) error {
			out := cmd.OutOrStdout()
			current := app.coordinator.Identity()
			fmt.Fprintf(out, "identity: %s\nkind: %s\nmode: %s\n", current.ID, current.Kind, app.coordinator.Mode())
			active, err := app.coordinator.ActiveSessions(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "active: %s\n", strings.Join(active, ", "))
			return nil
		}),
	}
}

func printCards(out io.Writer, views []coordinator.CardView) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tQUESTION\tA\tB\tCOMMENTS\tVOTED")
	for _, view := range views {
		fmt.Fprintf(writer, "%s\t%s\t%s %d\t%s %d\t%d\t%s\n",
			view.Card.ID, view.Card.Question,
			view.Card.OptionA, view.Merged.CountA,
			view.Card.OptionB, view.Merged.CountB,
			view.Merged.CommentCount, view.Selection)
	}
	return writer.Flush()
}
