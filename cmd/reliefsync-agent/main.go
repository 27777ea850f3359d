package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reliefsync/internal/agent"
	"reliefsync/internal/client"
	"reliefsync/internal/config"
	"reliefsync/internal/live"
	"reliefsync/internal/queue"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const usage = `usage: reliefsync-agent <command> [flags]

commands:
  signup   register an account and keep the session
  signin   sign in and keep the session
  signout  forget the session
  whoami   print the saved identity
  submit   write a document now, queueing it when offline
  enqueue  queue a document for the next flush
  pending  list queued documents
  flush    deliver queued documents now
  watch    print live snapshots of a collection
  run      keep flushing in the background until interrupted`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cfg := config.LoadAgent()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open agent", zap.Error(err))
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "signup":
		err = signUp(ctx, a, args)
	case "signin":
		err = signIn(ctx, a, args)
	case "signout":
		err = a.Gate().SignOut(ctx)
	case "whoami":
		err = whoami(a)
	case "submit":
		err = submit(ctx, a, args, false)
	case "enqueue":
		err = submit(ctx, a, args, true)
	case "pending":
		err = pending(ctx, a)
	case "flush":
		err = printJSON(a.FlushNow(ctx))
	case "watch":
		err = watch(ctx, a, args)
	case "run":
		err = run(ctx, a, args, logger)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Command failed", zap.String("command", cmd), zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	// Keep stdout for command output
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func signUp(ctx context.Context, a *agent.Agent, args []string) error {
	fs := flag.NewFlagSet("signup", flag.ExitOnError)
	var in client.SignUpRequest
	fs.StringVar(&in.Email, "email", "", "account email")
	fs.StringVar(&in.Password, "password", "", "account password")
	fs.StringVar(&in.Name, "name", "", "display name")
	fs.StringVar(&in.Address, "address", "", "home address")
	fs.StringVar(&in.Phone, "phone", "", "phone number")
	fs.Parse(args)

	id, err := a.Gate().SignUp(ctx, in)
	if err != nil {
		return err
	}
	id.Token = ""
	return printJSON(id)
}

func signIn(ctx context.Context, a *agent.Agent, args []string) error {
	fs := flag.NewFlagSet("signin", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	fs.Parse(args)

	id, err := a.Gate().SignIn(ctx, *email, *password)
	if err != nil {
		return err
	}
	id.Token = ""
	return printJSON(id)
}

func whoami(a *agent.Agent) error {
	id, ok := a.Gate().Current()
	if !ok {
		return errors.New("not signed in")
	}
	id.Token = ""
	return printJSON(id)
}

func submit(ctx context.Context, a *agent.Agent, args []string, queueOnly bool) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	collection := fs.String("collection", "", "target collection")
	data := fs.String("data", "{}", "document body as JSON")
	media := fs.String("media", "", "local file to upload with the document")
	field := fs.String("field", "", "document field holding media URLs (default media)")
	fs.Parse(args)

	rec := queue.Record{Collection: *collection, MediaPath: *media, MediaField: *field}
	if err := json.Unmarshal([]byte(*data), &rec.Data); err != nil {
		return fmt.Errorf("invalid -data: %w", err)
	}

	if queueOnly {
		queued, err := a.Enqueue(ctx, rec)
		if err != nil {
			return err
		}
		return printJSON(agent.Submission{ID: queued.ID, Queued: true})
	}

	// Let the monitor see the server before deciding
	if err := a.Start(ctx); err != nil {
		return err
	}
	deadline := time.Now().Add(3 * time.Second)
	for !a.Online() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	sub, err := a.Submit(ctx, rec)
	if err != nil {
		return err
	}
	return printJSON(sub)
}

func pending(ctx context.Context, a *agent.Agent) error {
	recs, err := a.Pending(ctx)
	if err != nil {
		return err
	}
	return printJSON(struct {
		Count   int            `json:"count"`
		Records []queue.Record `json:"records"`
	}{len(recs), recs})
}

func watch(ctx context.Context, a *agent.Agent, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	var q live.Query
	fs.StringVar(&q.Collection, "collection", "", "collection to watch")
	fs.StringVar(&q.Field, "field", "", "only documents whose field equals -value")
	fs.StringVar(&q.Value, "value", "", "value for -field")
	fs.Parse(args)

	if _, ok := a.Gate().Current(); !ok {
		return errors.New("not signed in")
	}
	return a.Watch(ctx, q, func(s live.Snapshot) {
		if err := printJSON(s); err != nil {
			log.Printf("failed to print snapshot: %v", err)
		}
	})
}

func run(ctx context.Context, a *agent.Agent, args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	metricsAddr := fs.String("metrics-addr", "", "serve queue metrics on this address")
	background := fs.Bool("background", false, "skip the periodic flush")
	fs.Parse(args)

	a.SetNotifier(func(r queue.Report) {
		if r.Skipped {
			return
		}
		msg := fmt.Sprintf("%d of %d queued submissions delivered", r.Delivered, r.Attempted)
		if r.Failed > 0 {
			msg += fmt.Sprintf(", %d will retry", r.Failed)
		}
		fmt.Println(msg)
	})
	a.SetForeground(!*background)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.Registry(), promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	if err := a.Start(ctx); err != nil {
		return err
	}
	logger.Info("Agent running", zap.Bool("foreground", !*background))
	<-ctx.Done()
	return nil
}
