package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DeploymentConfig mirrors deployments.json produced by the contract deploy
// scripts: one address per ledger service.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Deployer  string `json:"deployer"`
	Contracts struct {
		InvoiceRegistry string `json:"InvoiceRegistry"`
		Marketplace     string `json:"Marketplace"`
		CreditHandler   string `json:"CreditHandler"`
	} `json:"contracts"`
}

// PolicyConfig holds the protocol-fixed amounts. Listing price and credit
// amount are policy values, never user input.
type PolicyConfig struct {
	// ListingPriceWei is the fixed price every freshly minted invoice is
	// listed at, in the smallest currency unit.
	ListingPriceWei string `json:"listingPriceWei"`
	// CreditAmountWei is the fixed credit opened against every sold invoice.
	CreditAmountWei string `json:"creditAmountWei"`
}

// ContentConfig locates the content-store gateway. Token rewriting only
// applies to pointers on GatewayBaseURL's host.
type ContentConfig struct {
	GatewayBaseURL string `json:"gatewayBaseUrl"`
	GatewayToken   string `json:"gatewayToken"`
}

// ChainConfig carries the RPC endpoint and signer key.
type ChainConfig struct {
	RPCURL     string
	PrivateKey string
}

// ServiceConfig tunes the HTTP surface and workflow engine.
type ServiceConfig struct {
	HTTPPort       int
	HMACSecret     string
	HMACClockSkew  time.Duration
	ConfirmTimeout time.Duration
	ScanLimit      uint64
	JournalPath    string
	JournalDSN     string
}

// AppConfig ties everything together.
type AppConfig struct {
	Deployment DeploymentConfig
	Policy     PolicyConfig
	Content    ContentConfig
	Chain      ChainConfig
	Service    ServiceConfig
}

const defaultDeploymentsPath = "../deployments.json"

// Load aggregates configuration from disk and environment. Every value the
// orchestrator needs at construction is validated here; a missing value is a
// load error, never a runtime surprise.
func Load() (*AppConfig, error) {
	deployPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	deployCfg, err := loadDeployments(deployPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	cfg := &AppConfig{
		Deployment: *deployCfg,
		Policy: PolicyConfig{
			ListingPriceWei: envOr("LISTING_PRICE_WEI", "100000000000000"),
			CreditAmountWei: envOr("CREDIT_AMOUNT_WEI", "1000000000000000"),
		},
		Content: ContentConfig{
			GatewayBaseURL: envOr("CONTENT_GATEWAY_URL", ""),
			GatewayToken:   envOr("CONTENT_GATEWAY_TOKEN", ""),
		},
		Chain: ChainConfig{
			RPCURL:     envOr("CHAIN_RPC_URL", "http://127.0.0.1:8545"),
			PrivateKey: envOr("CHAIN_PRIVATE_KEY", ""),
		},
		Service: ServiceConfig{
			HTTPPort:       envOrInt("API_HTTP_PORT", 3000),
			HMACSecret:     envOr("API_HMAC_SECRET", ""),
			HMACClockSkew:  time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
			ConfirmTimeout: time.Duration(envOrInt("CONFIRM_TIMEOUT_SECONDS", 90)) * time.Second,
			ScanLimit:      uint64(envOrInt("SCAN_LIMIT", 100)),
			JournalPath:    envOr("JOURNAL_STORE_PATH", filepath.Join(os.TempDir(), "invoicerail-journal.json")),
			JournalDSN:     envOr("JOURNAL_POSTGRES_DSN", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the required set from the orchestrator's construction
// contract.
func (c *AppConfig) Validate() error {
	if c.Deployment.Contracts.InvoiceRegistry == "" {
		return fmt.Errorf("config: invoice registry address is required")
	}
	if c.Deployment.Contracts.Marketplace == "" {
		return fmt.Errorf("config: marketplace address is required")
	}
	if c.Deployment.Contracts.CreditHandler == "" {
		return fmt.Errorf("config: credit handler address is required")
	}
	if c.Content.GatewayBaseURL == "" {
		return fmt.Errorf("config: content gateway base url is required")
	}
	if c.Content.GatewayToken == "" {
		return fmt.Errorf("config: content gateway token is required")
	}
	if c.Policy.ListingPriceWei == "" {
		return fmt.Errorf("config: listing price policy is required")
	}
	if c.Policy.CreditAmountWei == "" {
		return fmt.Errorf("config: credit amount policy is required")
	}
	return nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
