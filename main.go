package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"chatlink/internal/app"
	"chatlink/internal/config"
)

var (
	cfgPath   = flag.String("config", "", "Path to config file (default: ./chatlink.yaml if present)")
	userID    = flag.String("user", "", "Local user id")
	partnerID = flag.String("partner", "", "Partner user id")
	firstName = flag.String("name", "", "Local display name sent with outbound calls")
	version   = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("chatlink v%s\n", appVersion)
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Flags override the config file.
	if *userID != "" {
		cfg.Identity.UserID = *userID
	}
	if *partnerID != "" {
		cfg.Identity.PartnerID = *partnerID
	}
	if *firstName != "" {
		cfg.Identity.FirstName = *firstName
	}
	if cfg.Identity.UserID == "" || cfg.Identity.PartnerID == "" {
		fmt.Fprintln(os.Stderr, "both -user and -partner are required (or identity.* in the config file)")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{CfgPath: *cfgPath, Cfg: cfg}); err != nil {
		log.Fatal(err)
	}
}
