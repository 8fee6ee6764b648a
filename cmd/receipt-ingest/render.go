package main

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/zombor/receipt-ingest/internal/ingest"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(13)
	appliedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// progress renders session views as stage lines and a polling bar
type progress struct {
	w io.Writer

	mu        sync.Mutex
	bar       *progressbar.ProgressBar
	attemptID string
	last      ingest.State
	started   bool
}

func newProgress(w io.Writer) *progress {
	return &progress{w: w}
}

func (p *progress) newBar(max int) *progressbar.ProgressBar {
	return progressbar.NewOptions(max,
		progressbar.OptionSetWriter(p.w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetDescription("[cyan]Reading receipt[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// observe is registered with Session.OnChange
func (p *progress) observe(v ingest.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v.State == ingest.StatePolling && v.MaxAttempts > 0 && v.Attempt > 0 {
		if p.bar == nil || p.attemptID != v.AttemptID {
			p.closeBar()
			p.bar = p.newBar(v.MaxAttempts)
			p.attemptID = v.AttemptID
		}
		p.bar.Describe(fmt.Sprintf("[cyan]Reading receipt[reset] %s", v.Elapsed.Round(time.Second)))
		if err := p.bar.Set(v.Attempt); err != nil {
			slog.Warn("Failed to update progress bar", "error", err)
		}
		p.last = v.State
		p.started = true
		return
	}

	if p.started && v.State == p.last {
		return
	}
	p.closeBar()
	p.last = v.State
	p.started = true
	fmt.Fprintf(p.w, "%s %s\n", stageLabel(v.State), v.Message)
}

func (p *progress) closeBar() {
	if p.bar == nil {
		return
	}
	if err := p.bar.Exit(); err != nil {
		slog.Warn("Failed to close progress bar", "error", err)
	}
	fmt.Fprintln(p.w)
	p.bar = nil
}

// Close stops a bar left running by an interrupted attempt
func (p *progress) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeBar()
}

func stageLabel(s ingest.State) string {
	label := "[" + s.String() + "]"
	switch s {
	case ingest.StateApplied, ingest.StateSubmitted:
		return appliedStyle.Render(label)
	case ingest.StateTimedOut:
		return warnStyle.Render(label)
	case ingest.StateFailed:
		return errorStyle.Render(label)
	}
	return titleStyle.Render(label)
}

// summary renders the final form as a bordered table
func summary(v ingest.View) string {
	var rows []string
	row := func(label, value string) {
		rows = append(rows, labelStyle.Render(label)+" "+value)
	}
	field := func(label, value string, f ingest.Field) {
		switch {
		case value == "":
			value = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render("(empty)")
		case v.Applied.Has(f):
			value = appliedStyle.Render(value) + " (receipt)"
		case v.Locked.Has(f):
			value += " (edited)"
		}
		row(label, value)
	}

	row("State", stageLabel(v.State))
	if v.DraftID != 0 {
		row("Expense", strconv.FormatInt(v.DraftID, 10))
	}
	if v.ReceiptID != 0 {
		receipt := strconv.FormatInt(v.ReceiptID, 10)
		if v.Receipt != nil && v.Receipt.MimeType != "" {
			receipt += " (" + v.Receipt.MimeType + ")"
		}
		row("Receipt", receipt)
	}

	amount := ""
	if v.Fields.Amount != nil {
		amount = strconv.Itoa(*v.Fields.Amount)
	}
	field("Date", v.Fields.ReceiptDate, ingest.FieldDate)
	field("Merchant", v.Fields.Merchant, ingest.FieldMerchant)
	field("Amount", amount, ingest.FieldAmount)
	field("Category", string(v.Fields.Category), ingest.FieldCategory)
	field("Description", v.Fields.Description, ingest.FieldDescription)

	if v.OCRApplied {
		confidence := fmt.Sprintf("%.0f%%", v.Confidence*100)
		if v.LowConfidence {
			confidence = warnStyle.Render(confidence + " please verify")
		}
		row("Confidence", confidence)
		if v.ModelName != "" {
			row("Model", v.ModelName)
		}
	}
	if v.Record != nil {
		row("Status", appliedStyle.Render(string(v.Record.Status)))
	}
	if v.Message != "" {
		row("Note", v.Message)
	}

	return boxStyle.Render(titleStyle.Render("Expense") + "\n" + strings.Join(rows, "\n"))
}
