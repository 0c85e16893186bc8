package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/technosupport/esimd/internal/config"
	"github.com/technosupport/esimd/internal/tokens"
)

func main() {
	configPath := flag.String("config", "config/default.yaml", "Path to the YAML configuration file")
	subject := flag.String("sub", "operator", "Token subject")
	role := flag.String("role", string(tokens.RoleOperator), "Role claim (admin or operator)")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if cfg.Auth.SigningKey == "" {
		log.Fatal("auth.signing_key (ESIMD_AUTH_SIGNING_KEY) is required")
	}
	r := tokens.Role(*role)
	if r != tokens.RoleAdmin && r != tokens.RoleOperator {
		log.Fatalf("unknown role %q", *role)
	}

	mgr := tokens.NewManager(cfg.Auth.SigningKey, cfg.Auth.Issuer)
	token, err := mgr.GenerateToken(*subject, r, *ttl)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}
	fmt.Fprintln(os.Stdout, token)
}
