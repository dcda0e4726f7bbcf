// Command gmail-import copies Gmail threads into the supporthub message store.
//
// First run prints the consent URL; run again with -code to cache the token.
// The store is selected from the same SUPPORTHUB_* environment as the server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"supporthub/cmd/internal/app"
	"supporthub/cmd/internal/gmailsync"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	home, _ := os.UserConfigDir()
	var (
		configDir = flag.String("config", filepath.Join(home, "supporthub"), "Directory holding client_secret.json and token.json")
		code      = flag.String("code", "", "OAuth authorization code to exchange and cache")
		query     = flag.String("q", "in:inbox", "Gmail search query")
		limit     = flag.Int("max", 100, "Maximum threads to import (0 = all)")
		workers   = flag.Int("workers", gmailsync.DefaultWorkers, "Concurrent thread fetches")
		rps       = flag.Float64("rps", gmailsync.DefaultRequestsPerSec, "Gmail API requests per second")
		inboxID   = flag.String("inbox-id", "", "Inbox id stamped on imported conversations")
		inboxMail = flag.String("inbox-email", "", "Support inbox address; mail from it counts as agent-sent")
	)
	flag.Parse()

	cfg := app.LoadConfig()
	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *code != "" {
		oc, err := gmailsync.OAuthConfig(*configDir)
		if err != nil {
			return err
		}
		if err := gmailsync.ExchangeCode(ctx, oc, *configDir, *code); err != nil {
			return err
		}
		logger.Info("gmail.token.saved", "dir", *configDir)
	}

	svc, err := gmailsync.NewService(ctx, *configDir)
	if errors.Is(err, gmailsync.ErrNoToken) {
		oc, cerr := gmailsync.OAuthConfig(*configDir)
		if cerr != nil {
			return cerr
		}
		fmt.Fprintln(os.Stderr, "Open this URL, authorize, then rerun with -code <code>:")
		fmt.Fprintln(os.Stderr, gmailsync.AuthURL(oc))
		return err
	}
	if err != nil {
		return err
	}

	st, closeStore, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if *inboxID != "" && *inboxMail != "" {
		if err := st.PutInbox(ctx, *inboxID, *inboxMail); err != nil {
			return err
		}
	}

	im, err := gmailsync.NewImporter(logger, gmailsync.ServiceSource{Svc: svc}, st, gmailsync.ImporterConfig{
		Workers:        *workers,
		RequestsPerSec: *rps,
		Mailbox: gmailsync.Mailbox{
			InboxID:     *inboxID,
			InboxEmail:  *inboxMail,
			AgentEmails: cfg.AgentEmails,
		},
	})
	if err != nil {
		return err
	}

	res, err := im.ImportThreads(ctx, *query, *limit)
	fmt.Printf("threads=%d imported=%d duplicated=%d skipped=%d failed=%d\n",
		res.Threads, res.Imported, res.Duplicated, res.Skipped, res.Failed)
	return err
}
