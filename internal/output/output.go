package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/oriys/partsearch/internal/domain"
	"github.com/oriys/partsearch/internal/search"
)

// Format represents output format
type Format string

const (
	FormatTable Format = "table"
	FormatWide  Format = "wide"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "yaml", "yml":
		return FormatYAML
	case "wide":
		return FormatWide
	default:
		return FormatTable
	}
}

// Printer handles formatted output
type Printer struct {
	format  Format
	writer  io.Writer
	noColor bool
}

// NewPrinter creates a new printer
func NewPrinter(format Format) *Printer {
	return &Printer{
		format:  format,
		writer:  os.Stdout,
		noColor: os.Getenv("NO_COLOR") != "",
	}
}

// SetWriter sets the output writer
func (p *Printer) SetWriter(w io.Writer) {
	p.writer = w
}

// SetNoColor disables ANSI colors.
func (p *Printer) SetNoColor(v bool) {
	p.noColor = v
}

// Print outputs data in the configured format
func (p *Printer) Print(data interface{}) error {
	switch p.format {
	case FormatYAML:
		return p.printYAML(data)
	default:
		// Table and Wide are handled by specific methods
		return p.printJSON(data)
	}
}

func (p *Printer) printJSON(data interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (p *Printer) printYAML(data interface{}) error {
	// Round-trip through JSON so field names follow the json tags
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	return enc.Encode(generic)
}

func (p *Printer) structured() bool {
	return p.format == FormatJSON || p.format == FormatYAML
}

// Color codes
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Cyan   = "\033[36m"
	Gray   = "\033[90m"
)

// Colorize adds color to text
func (p *Printer) Colorize(color, text string) string {
	if p.noColor {
		return text
	}
	return color + text + Reset
}

// TableWriter creates a tabwriter for aligned output
func (p *Printer) TableWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
}

func (p *Printer) statusColor(kr *domain.KeyResult) string {
	switch kr.Status {
	case domain.StatusFound:
		return Green
	case domain.StatusError:
		return Red
	default:
		return Gray
	}
}

// PrintSearch prints one row per key followed by a summary line. Wide
// output lists every returned record under its key.
func (p *Printer) PrintSearch(resp *domain.Response) error {
	if p.structured() {
		return p.Print(resp)
	}

	w := p.TableWriter()
	if p.format == FormatWide {
		fmt.Fprintln(w, p.Colorize(Bold, "KEY\tSTATUS\tPART NUMBER\tTYPE\tCONF\tPRICE\tQTY\tCOMPANY\tENGINE"))
	} else {
		fmt.Fprintln(w, p.Colorize(Bold, "KEY\tSTATUS\tMATCHES\tBEST\tTYPE\tMIN PRICE\tQTY"))
	}

	for _, k := range resp.Keys {
		kr := resp.Results[k]
		if kr == nil {
			continue
		}
		status := string(kr.Status)
		if kr.ErrorKind != "" {
			status += " (" + string(kr.ErrorKind) + ")"
		}
		status = p.Colorize(p.statusColor(kr), status)

		if p.format == FormatWide {
			if len(kr.Records) == 0 {
				fmt.Fprintf(w, "%s\t%s\t-\t-\t-\t-\t-\t-\t%s\n", p.Colorize(Cyan, string(k)), status, kr.Engine)
				continue
			}
			for i, rec := range kr.Records {
				key := ""
				if i == 0 {
					key = p.Colorize(Cyan, string(k))
				} else {
					status = ""
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%.2f\t%d\t%s\t%s\n",
					key, status, rec.PartNumber, rec.MatchType, rec.Confidence,
					rec.UnitPrice, rec.Quantity, Truncate(rec.CompanyName, 24), rec.Engine)
			}
			continue
		}

		best, typ := "-", "-"
		if len(kr.Records) > 0 {
			best = Truncate(kr.Records[0].PartNumber, 24)
			typ = string(kr.Records[0].MatchType)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%.2f\t%d\n",
			p.Colorize(Cyan, string(k)), status, kr.TotalMatches, best, typ,
			kr.PriceSummary.MinPrice, kr.PriceSummary.TotalQuantity)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	cached := p.Colorize(Gray, "miss")
	if resp.Cached {
		cached = p.Colorize(Green, "hit")
	}
	fmt.Fprintf(p.writer, "\n%d keys, %d matches, engine %s, %d ms, cache %s\n",
		resp.TotalKeys, resp.TotalMatches, resp.EngineUsed, resp.LatencyMs, cached)
	if !resp.Complete {
		p.Warning("some keys could not be answered; the result was not cached")
	}
	return nil
}

// PrintLoadReport prints the outcome of an ingestion.
func (p *Printer) PrintLoadReport(report *search.LoadReport) error {
	if p.structured() {
		return p.Print(report)
	}
	for name, msg := range report.Failed {
		p.Error("%s: %s", name, msg)
	}
	if len(report.Loaded) == 0 {
		return nil
	}
	p.Success("Loaded %d rows into %s (scope %s, %d cached results invalidated)",
		report.Rows, strings.Join(report.Loaded, ", "), report.Scope, report.Invalidated)
	return nil
}

// Truncate shortens s to maxLen characters with a trailing ellipsis.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// Success prints a success message
func (p *Printer) Success(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Green, "✓ ")+msg)
}

// Error prints an error message
func (p *Printer) Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Red, "✗ ")+msg)
}

// Warning prints a warning message
func (p *Printer) Warning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Yellow, "⚠ ")+msg)
}

// Info prints an info message
func (p *Printer) Info(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Blue, "ℹ ")+msg)
}
