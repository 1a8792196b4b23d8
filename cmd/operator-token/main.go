package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/compliance-ledger/pkg/auth"
	"github.com/angelmondragon/compliance-ledger/pkg/config"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
)

// operator-token prints a signed access token for the seal and verify endpoints.
func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "operator-token", Output: os.Stderr})

	_ = godotenv.Load()

	subject := flag.String("subject", "", "token subject, e.g. the operator's user id")
	role := flag.String("role", string(enums.ActorRoleOperator), "operator|auditor")
	chains := flag.String("chains", "", "comma separated chain ids the token is limited to; empty for all chains")
	flag.Parse()

	cfg, err := config.LoadJWT()
	if err != nil {
		logg.Error(ctx, "failed to load jwt config", err)
		os.Exit(1)
	}

	parsedRole, err := enums.ParseActorRole(*role)
	if err != nil {
		logg.Error(ctx, "invalid role", err)
		os.Exit(2)
	}

	token, err := auth.MintAccessToken(cfg, time.Now(), auth.AccessTokenPayload{
		Subject: *subject,
		Role:    parsedRole,
		Chains:  splitChains(*chains),
	})
	if err != nil {
		logg.Error(ctx, "failed to mint token", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func splitChains(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
