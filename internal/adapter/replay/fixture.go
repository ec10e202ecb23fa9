package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/marko911/lnpulse/pkg/domain"
)

// FixtureEntry is one line of a JSON-lines fixture. Exactly one of the
// payload fields is set, matching Kind.
type FixtureEntry struct {
	Kind    string          `json:"kind"`
	DelayMs int64           `json:"delay_ms,omitempty"`
	Invoice *domain.Invoice `json:"invoice,omitempty"`
	Payment *domain.Payment `json:"payment,omitempty"`
	Channel *domain.Channel `json:"channel,omitempty"`
	Forward *domain.Forward `json:"forward,omitempty"`
}

// LoadFixture reads a JSON-lines fixture. Blank lines and lines starting
// with # are skipped.
func LoadFixture(path string) ([]FixtureEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()

	var entries []FixtureEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var e FixtureEntry
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("fixture line %d: %w", line, err)
		}
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("fixture line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return entries, nil
}

func (e FixtureEntry) validate() error {
	switch e.Kind {
	case "invoice":
		if e.Invoice == nil || e.Invoice.PaymentHash == "" {
			return fmt.Errorf("invoice entry without payment_hash")
		}
	case "payment":
		if e.Payment == nil || e.Payment.PaymentHash == "" {
			return fmt.Errorf("payment entry without payment_hash")
		}
	case "channel":
		if e.Channel == nil || e.Channel.Key() == "" {
			return fmt.Errorf("channel entry without id")
		}
	case "forward":
		if e.Forward == nil || e.Forward.InChannel == "" {
			return fmt.Errorf("forward entry without in_channel")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}

// play applies fixture entries to the node in order, honouring delays.
func (n *Node) play(ctx context.Context, entries []FixtureEntry) {
	n.logger.Info("replaying fixture", "entries", len(entries))
	for _, e := range entries {
		if e.DelayMs > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(e.DelayMs) * time.Millisecond):
			}
		}
		switch e.Kind {
		case "invoice":
			n.PutInvoice(*e.Invoice)
		case "payment":
			n.PutPayment(*e.Payment)
		case "channel":
			n.PutChannel(*e.Channel)
		case "forward":
			n.Forward(*e.Forward)
		}
	}
	n.logger.Info("fixture replay completed")
}
