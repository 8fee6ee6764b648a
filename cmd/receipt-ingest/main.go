package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-ingest/internal/expense"
	"github.com/zombor/receipt-ingest/internal/gateway"
	"github.com/zombor/receipt-ingest/internal/ingest"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

type options struct {
	backendURL     string
	token          string
	user           string
	password       string
	requestTimeout time.Duration

	file           string
	expenseID      int64
	profile        string
	maxAttempts    int
	interval       time.Duration
	uploadTimeout  time.Duration
	lowConfidence  float64
	requireReceipt bool

	fields      fieldFlags
	submit      bool
	requestNote string
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("receipt-ingest")
	var (
		backendURL     = fs.StringLong("backend-url", "http://localhost:8080/api", "Expense backend base URL")
		token          = fs.StringLong("token", "", "Bearer token for the backend (optional)")
		user           = fs.StringLong("user", "", "Basic auth username (optional)")
		password       = fs.StringLong("password", "", "Basic auth password (optional)")
		requestTimeout = fs.DurationLong("request-timeout", 30*time.Second, "Timeout for ordinary backend calls")
		file           = fs.StringLong("file", "", "Receipt image or PDF to ingest")
		expenseID      = fs.IntLong("expense-id", 0, "Edit an existing draft expense instead of creating one")
		profile        = fs.StringLong("profile", "standard", "Polling profile: 'standard' or 'quick'")
		maxAttempts    = fs.IntLong("max-attempts", 0, "Override the profile's number of extraction queries")
		interval       = fs.DurationLong("interval", 0, "Override the profile's delay between extraction queries")
		uploadTimeout  = fs.DurationLong("upload-timeout", ingest.DefaultUploadTimeout, "Timeout for the receipt upload")
		lowConfidence  = fs.Float64Long("low-confidence", ingest.DefaultLowConfidenceThreshold, "Confidence below which results are flagged for review")
		requireReceipt = fs.BoolLong("require-receipt", "Refuse to submit without a receipt")
		date           = fs.StringLong("date", "", "Receipt date (YYYY-MM-DD)")
		merchant       = fs.StringLong("merchant", "", "Merchant name")
		amount         = fs.StringLong("amount", "", "Amount in whole currency units")
		category       = fs.StringLong("category", "", "Category: food, transport, supplies or other")
		description    = fs.StringLong("description", "", "Description")
		submit         = fs.BoolLong("submit", "Submit the expense after ingestion")
		requestNote    = fs.StringLong("request-note", "", "Note sent with the submission")
		logLevel       = fs.StringLong("log-level", "warn", "Log level: debug, info, warn or error")
		_              = fs.StringLong("config", "", "Config file (optional)")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_INGEST"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		if errors.Is(err, ff.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	opts := options{
		backendURL:     *backendURL,
		token:          *token,
		user:           *user,
		password:       *password,
		requestTimeout: *requestTimeout,
		file:           *file,
		expenseID:      int64(*expenseID),
		profile:        *profile,
		maxAttempts:    *maxAttempts,
		interval:       *interval,
		uploadTimeout:  *uploadTimeout,
		lowConfidence:  *lowConfidence,
		requireReceipt: *requireReceipt,
		fields: fieldFlags{
			date:        *date,
			merchant:    *merchant,
			amount:      *amount,
			category:    *category,
			description: *description,
		},
		submit:      *submit,
		requestNote: *requestNote,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", errorStyle.Render("error:"), err)
		os.Exit(1)
	}
}

// pollPolicy resolves the profile and applies overrides
func (o options) pollPolicy() (ingest.PollPolicy, error) {
	policy, err := ingest.PolicyByName(o.profile)
	if err != nil {
		return policy, err
	}
	if o.maxAttempts > 0 {
		policy.MaxAttempts = o.maxAttempts
	}
	if o.interval > 0 {
		policy.Interval = o.interval
	}
	if err := policy.Validate(); err != nil {
		return policy, err
	}
	return policy, nil
}

func (o options) credentials() gateway.Credentials {
	if o.token != "" {
		return gateway.BearerToken(o.token)
	}
	if o.user != "" || o.password != "" {
		return gateway.BasicAuth{Username: o.user, Password: o.password}
	}
	return nil
}

func readImage(path string) (expense.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return expense.Image{}, fmt.Errorf("reading receipt: %w", err)
	}
	if info.Size() > expense.MaxImageSize {
		return expense.Image{}, fmt.Errorf("receipt %s is larger than %d MB", path, expense.MaxImageSize>>20)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return expense.Image{}, fmt.Errorf("reading receipt: %w", err)
	}
	return expense.Image{Filename: filepath.Base(path), Data: data}, nil
}

// userError keeps per-field validation detail and hides transport causes
func userError(err error) error {
	var verr *ingest.ValidationError
	if errors.As(err, &verr) {
		return verr
	}
	return errors.New(ingest.UserMessage(err))
}

func run(ctx context.Context, o options, stdout, stderr io.Writer) error {
	if o.file == "" && !o.submit {
		return errors.New("nothing to do: pass --file, --submit, or both")
	}

	policy, err := o.pollPolicy()
	if err != nil {
		return err
	}
	edit, hasEdits, err := o.fields.edit()
	if err != nil {
		return err
	}

	gw, err := gateway.NewHTTP(gateway.Config{
		BaseURL:     o.backendURL,
		Timeout:     o.requestTimeout,
		Credentials: o.credentials(),
	})
	if err != nil {
		return err
	}

	session := ingest.NewSession(expense.NewClient(gw), ingest.Config{
		Policy:                 policy,
		UploadTimeout:          o.uploadTimeout,
		LowConfidenceThreshold: o.lowConfidence,
		RequireReceipt:         o.requireReceipt,
	})
	defer session.Close()

	bar := newProgress(stderr)
	defer bar.Close()
	session.OnChange(bar.observe)

	if o.expenseID > 0 {
		if err := session.Load(ctx, o.expenseID); err != nil {
			return fmt.Errorf("opening expense %d: %w", o.expenseID, err)
		}
	}
	if hasEdits {
		if err := session.Edit(edit); err != nil {
			return err
		}
	}

	if o.file != "" {
		img, err := readImage(o.file)
		if err != nil {
			return err
		}
		slog.Info("Ingesting receipt", "file", o.file, "policy", policy.String())

		attempt, err := session.SelectImage(ctx, img)
		if err != nil {
			return err
		}
		state, err := attempt.Wait()
		bar.Close()
		switch {
		case errors.Is(err, context.Canceled):
			fmt.Fprintln(stdout, summary(session.View()))
			return errors.New("cancelled")
		case err != nil:
			fmt.Fprintln(stdout, summary(session.View()))
			return userError(err)
		case state == ingest.StateTimedOut && o.submit:
			slog.Warn("Extraction did not finish; submitting the fields as entered")
		}
	}

	if o.submit {
		if _, err := session.Submit(ctx, o.requestNote); err != nil {
			fmt.Fprintln(stdout, summary(session.View()))
			return userError(err)
		}
	}

	fmt.Fprintln(stdout, summary(session.View()))
	return nil
}
