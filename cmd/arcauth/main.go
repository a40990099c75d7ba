// Command arcauth is a small operational wrapper over the seal orchestrator
// and the ARC verifier: "arcauth seal" reads a message on stdin and prints
// the hop's four header bodies; "arcauth verify" reads a message on stdin
// and prints its chain validity.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/relaymesh/arcauth/arc"
	"github.com/relaymesh/arcauth/message"
	"github.com/relaymesh/arcauth/psl"
	"github.com/relaymesh/arcauth/resolver"
	"github.com/relaymesh/arcauth/seal"
)

// config is the CLI's YAML configuration file shape (spec.md §11): the
// sealer's identity, its templates, and the DNS adapter's timeout.
type config struct {
	AuthServiceID  string `yaml:"auth_service_id"`
	Domain         string `yaml:"domain"`
	Selector       string `yaml:"selector"`
	PrivateKeyPath string `yaml:"private_key_path"`
	AMSTemplate    string `yaml:"ams_template"`
	SealTemplate   string `yaml:"seal_template"`
	DNSTimeout     string `yaml:"dns_timeout"`
}

func loadConfig(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("arcauth: reading config: %w", err)
	}
	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("arcauth: parsing config: %w", err)
	}
	return &cfg, nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("arcauth: reading private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("arcauth: %s is not PEM-encoded", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("arcauth: parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("arcauth: %s is not an RSA private key", path)
	}
	return key, nil
}

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: arcauth <seal|verify> <config.yaml>")
		os.Exit(2)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		logger.Fatal("reading message from stdin", zap.Error(err))
	}
	msg := message.Parse(raw)

	timeout := 5 * time.Second
	if cfg.DNSTimeout != "" {
		if d, err := time.ParseDuration(cfg.DNSTimeout); err == nil {
			timeout = d
		}
	}
	res := resolver.NewDefault(timeout)
	idx := psl.LoadDefault()
	ctx := context.Background()

	switch os.Args[1] {
	case "seal":
		runSeal(ctx, cfg, msg, res, idx, logger)
	case "verify":
		runVerify(ctx, msg, res, logger)
	default:
		fmt.Fprintln(os.Stderr, "usage: arcauth <seal|verify> <config.yaml>")
		os.Exit(2)
	}
}

func runSeal(ctx context.Context, cfg *config, msg *message.Message, res resolver.Resolver, idx *psl.Index, logger *zap.Logger) {
	priv, err := loadPrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		logger.Fatal("loading private key", zap.Error(err))
	}

	orch := seal.New(seal.Config{
		AuthServiceID: cfg.AuthServiceID,
		AMSTemplate:   cfg.AMSTemplate,
		SealTemplate:  cfg.SealTemplate,
		PrivateKey:    priv,
	}, res, idx, nil, logger)

	helo, _ := msg.Get("Received")
	from, _ := msg.Get("From")
	result, err := orch.Seal(ctx, msg, helo, from, "")
	if err != nil {
		logger.Fatal("sealing message", zap.Error(err))
	}

	fmt.Printf("Authentication-Results: %s\n", result.AuthenticationResults)
	fmt.Printf("ARC-Authentication-Results: %s\n", result.ArcAuthenticationResults)
	fmt.Printf("ARC-Message-Signature: %s\n", result.ArcMessageSignature)
	fmt.Printf("ARC-Seal: %s\n", result.ArcSeal)
}

func runVerify(ctx context.Context, msg *message.Message, res resolver.Resolver, logger *zap.Logger) {
	cv, err := arc.Validate(ctx, msg, res)
	if err != nil {
		logger.Fatal("verifying chain", zap.Error(err))
	}
	fmt.Println(cv)
}
