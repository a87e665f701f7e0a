// Command invoicerail runs the invoice-factoring workflow engine, either as
// an HTTP API or as one-shot workflow invocations from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"invoicerail/internal/config"
	"invoicerail/internal/content"
	"invoicerail/internal/journal"
	"invoicerail/internal/ledger"
	"invoicerail/internal/metadata"
	"invoicerail/internal/orchestrator"
	"invoicerail/internal/server"
	"invoicerail/internal/views"
	"invoicerail/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	log     = logrus.New()
	verbose bool
)

// app bundles the wired components a command needs.
type app struct {
	cfg     *config.AppConfig
	gateway *ledger.EthGateway
	journal journal.Store
	orch    *orchestrator.Orchestrator
	views   *views.Views
	close   func()
}

func buildApp(ctx context.Context, needSigner bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	var session *wallet.Session
	if cfg.Chain.PrivateKey != "" {
		session, err = wallet.NewSession(cfg.Chain.PrivateKey)
		if err != nil {
			return nil, err
		}
	} else {
		if needSigner {
			return nil, fmt.Errorf("CHAIN_PRIVATE_KEY is required for ledger writes")
		}
		session = wallet.ReadOnlySession(cfg.Deployment.Deployer)
	}

	gateway, err := ledger.NewEthGateway(ctx, ledger.EthGatewayConfig{
		RPCURL:               cfg.Chain.RPCURL,
		RegistryAddress:      cfg.Deployment.Contracts.InvoiceRegistry,
		MarketplaceAddress:   cfg.Deployment.Contracts.Marketplace,
		CreditHandlerAddress: cfg.Deployment.Contracts.CreditHandler,
		ConfirmTimeout:       cfg.Service.ConfirmTimeout,
	}, session)
	if err != nil {
		return nil, err
	}

	var store journal.Store
	closeStore := func() {}
	if cfg.Service.JournalDSN != "" {
		pg, err := journal.NewPostgresStore(ctx, cfg.Service.JournalDSN)
		if err != nil {
			return nil, fmt.Errorf("journal store: %w", err)
		}
		store = pg
		closeStore = pg.Close
	} else {
		fs, err := journal.NewFileStore(cfg.Service.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("journal store: %w", err)
		}
		store = fs
	}

	contentStore := content.NewGatewayClient(cfg.Content.GatewayBaseURL, cfg.Content.GatewayToken)
	resolver := metadata.NewResolver(contentStore, cfg.Content.GatewayBaseURL, cfg.Content.GatewayToken)

	orch, err := orchestrator.New(orchestrator.Config{
		Gateway:         gateway,
		Journal:         store,
		Content:         contentStore,
		Resolver:        resolver,
		Account:         session.Account(),
		ListingPriceWei: cfg.Policy.ListingPriceWei,
		CreditAmountWei: cfg.Policy.CreditAmountWei,
		Logger:          log,
	})
	if err != nil {
		closeStore()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		gateway: gateway,
		journal: store,
		orch:    orch,
		views:   views.New(gateway, resolver, cfg.Service.ScanLimit, log),
		close:   closeStore,
	}, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseAddress(value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("account must be a hex address, got %q", value)
	}
	return common.HexToAddress(value), nil
}

func parseBig(name, value string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("%s must be a decimal integer, got %q", name, value)
	}
	return n, nil
}

// workflowErr turns an orchestrator failure into the single line users see,
// with the full chain behind --verbose.
func workflowErr(err error) error {
	if err == nil {
		return nil
	}
	log.WithField("category", orchestrator.Category(err)).Debug(err.Error())
	return fmt.Errorf("%s", orchestrator.UserMessage(err))
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			srv := server.NewServer(a.cfg, a.orch, a.views, a.journal, log)
			srv.SetRPCHealth(a.gateway.Ping)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newMintCmd() *cobra.Command {
	var (
		name, description   string
		amount, credit, due string
		documentPath, key   string
	)
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Issue an invoice token and list it at the policy price",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.close()

			var document []byte
			if documentPath != "" {
				document, err = os.ReadFile(documentPath)
				if err != nil {
					return err
				}
			}

			result, err := a.orch.MintAndList(cmd.Context(), orchestrator.MintRequest{
				Key:             key,
				Name:            name,
				Description:     description,
				InvoiceAmount:   amount,
				CreditRequested: credit,
				DueBy:           due,
				Document:        document,
			})
			if err != nil {
				return workflowErr(err)
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "invoice name")
	cmd.Flags().StringVar(&description, "description", "", "invoice description")
	cmd.Flags().StringVar(&amount, "amount", "", "invoice face amount")
	cmd.Flags().StringVar(&credit, "credit", "", "credit requested against the invoice")
	cmd.Flags().StringVar(&due, "due", "", "due date, YYYY-MM-DD")
	cmd.Flags().StringVar(&documentPath, "document", "", "path to the invoice PDF")
	cmd.Flags().StringVar(&key, "key", uuid.NewString(), "idempotency key")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("credit")
	_ = cmd.MarkFlagRequired("due")
	return cmd
}

func newBuyCmd() *cobra.Command {
	var token, price, key string
	cmd := &cobra.Command{
		Use:   "buy",
		Short: "Purchase a listed invoice and open a credit against its seller",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tokenID, err := parseBig("token", token)
			if err != nil {
				return err
			}
			expected, err := parseBig("price", price)
			if err != nil {
				return err
			}

			a, err := buildApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.orch.BuyAndOpenCredit(cmd.Context(), orchestrator.BuyRequest{
				Key:           key,
				TokenID:       tokenID,
				ExpectedPrice: expected,
			})
			if err != nil {
				return workflowErr(err)
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token id of the listing")
	cmd.Flags().StringVar(&price, "price", "", "price observed at discovery time")
	cmd.Flags().StringVar(&key, "key", uuid.NewString(), "idempotency key")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func newPayCmd() *cobra.Command {
	var creditID, amount, key string
	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Settle an open credit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := parseBig("credit-id", creditID)
			if err != nil {
				return err
			}
			value, err := parseBig("amount", amount)
			if err != nil {
				return err
			}

			a, err := buildApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.orch.PayCredit(cmd.Context(), orchestrator.PayRequest{
				Key:      key,
				CreditID: id,
				Amount:   value,
			})
			if err != nil {
				return workflowErr(err)
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&creditID, "credit-id", "", "credit id to settle")
	cmd.Flags().StringVar(&amount, "amount", "", "payment amount")
	cmd.Flags().StringVar(&key, "key", uuid.NewString(), "idempotency key")
	_ = cmd.MarkFlagRequired("credit-id")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newUnlistCmd() *cobra.Command {
	var token, key string
	cmd := &cobra.Command{
		Use:   "unlist",
		Short: "Withdraw one of your active listings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tokenID, err := parseBig("token", token)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.orch.Unlist(cmd.Context(), key, tokenID); err != nil {
				return workflowErr(err)
			}
			fmt.Printf("token %s unlisted\n", tokenID)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token id to unlist")
	cmd.Flags().StringVar(&key, "key", uuid.NewString(), "idempotency key")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newListingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listings",
		Short: "Show active listings with resolved metadata",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			listings, err := a.views.ScanListings(cmd.Context())
			if err != nil {
				return workflowErr(err)
			}
			return printJSON(listings)
		},
	}
}

func newCreditsCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Show open credits owed by an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.close()

			addr, err := parseAddress(account)
			if err != nil {
				return err
			}
			credits, err := a.views.ScanCredits(cmd.Context(), addr)
			if err != nil {
				return workflowErr(err)
			}
			return printJSON(credits)
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "obligor account address")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func main() {
	root := &cobra.Command{
		Use:           "invoicerail",
		Short:         "Invoice factoring workflows over the on-chain escrow contracts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(),
		newMintCmd(),
		newBuyCmd(),
		newPayCmd(),
		newUnlistCmd(),
		newListingsCmd(),
		newCreditsCmd(),
	)

	if err := root.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
