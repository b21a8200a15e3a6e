package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mycelian/mycelian-memory/companion/internal/config"
	"github.com/mycelian/mycelian-memory/companion/internal/factory"
	"github.com/mycelian/mycelian-memory/companion/internal/identity"
	"github.com/mycelian/mycelian-memory/companion/internal/linker"
	"github.com/mycelian/mycelian-memory/companion/internal/logger"
	"github.com/mycelian/mycelian-memory/companion/internal/memoryclient"
	"github.com/mycelian/mycelian-memory/companion/internal/plans"
	"github.com/mycelian/mycelian-memory/companion/internal/store"
	"github.com/mycelian/mycelian-memory/companion/internal/usage"
)

var (
	driverFlag  string
	verboseFlag bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "companionctl",
		Short:         "Admin CLI for the companion memory & usage store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&driverFlag, "db-driver", "", "Override COMPANION_DB_DRIVER (postgres, sqlite)")
	root.PersistentFlags().BoolVar(&verboseFlag, "verbose", false, "Log to stderr")

	root.AddCommand(newPlanCmd(), newUsageCmd(), newIdentityCmd(), newLinksCmd())
	return root
}

// app holds the components a command needs, opened from the environment.
type app struct {
	cfg      *config.Config
	store    store.Store
	catalog  *plans.Catalog
	client   *memoryclient.Client
	resolver *identity.Resolver
	acct     *usage.Accountant
	links    *linker.Linker
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}
	if driverFlag != "" {
		cfg.DBDriver = driverFlag
		if err := cfg.ResolveDefaults(); err != nil {
			return nil, err
		}
	}
	log := zerolog.Nop()
	if verboseFlag {
		log = logger.NewWithWriter("companionctl", os.Stderr, cfg.LogLevel)
	}

	st, err := factory.NewStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	catalog, err := plans.Default()
	if cfg.PlansFile != "" {
		catalog, err = plans.Load(cfg.PlansFile)
	}
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	client := memoryclient.NewFromConfig(cfg, nil, log)
	resolver, err := identity.New(st.Identities(), client, identity.Options{ClaimTTL: cfg.IdentityClaimTTL(), CacheSize: 64}, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	authorities := []usage.Authority{usage.NewLedgerAuthority(st.Usage())}
	if client.Configured() {
		authorities = append(authorities, usage.NewMemoryServiceAuthority(resolver, client))
	}
	return &app{
		cfg:      cfg,
		store:    st,
		catalog:  catalog,
		client:   client,
		resolver: resolver,
		acct:     usage.New(st.Usage(), st.Subscriptions(), catalog, nil, log, authorities...),
		links:    linker.New(st.Links(), log),
	}, nil
}

func (a *app) Close() {
	a.resolver.Close()
	_ = a.store.Close()
}

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
