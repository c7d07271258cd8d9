package ship24

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

const (
	DefaultLandingURL = "https://www.ship24.com/"
	DefaultSettleWait = 5 * time.Second
)

// Selectors locate the form and the results panel on the landing page. Event
// selectors are evaluated relative to each EventRow match.
type Selectors struct {
	Input         string `json:"input"`
	Submit        string `json:"submit"`
	Results       string `json:"results"`
	Carrier       string `json:"carrier"`
	Status        string `json:"status"`
	Location      string `json:"location"`
	ETA           string `json:"eta"`
	EventRow      string `json:"eventRow"`
	EventDate     string `json:"eventDate"`
	EventTime     string `json:"eventTime"`
	EventStatus   string `json:"eventStatus"`
	EventLocation string `json:"eventLocation"`
}

// DefaultSelectors matches the public tracker layout.
var DefaultSelectors = Selectors{
	Input:         `input[name="trackingNumber"], input[type="search"]`,
	Submit:        `button[type="submit"]`,
	Results:       `[data-testid="tracking-result"], .tracking-result`,
	Carrier:       `[data-testid="courier-name"], .courier-name`,
	Status:        `[data-testid="shipment-status"], .shipment-status`,
	Location:      `[data-testid="current-location"], .current-location`,
	ETA:           `[data-testid="estimated-delivery"], .estimated-delivery`,
	EventRow:      `[data-testid="tracking-event"], .tracking-event`,
	EventDate:     `.event-date, time`,
	EventTime:     `.event-time`,
	EventStatus:   `.event-status, .event-description`,
	EventLocation: `.event-location`,
}

// ChromeLauncher starts a fresh Chrome process per session.
type ChromeLauncher struct {
	ExecPath   string
	Headless   bool
	LandingURL string
	Selectors  Selectors
	SettleWait time.Duration
}

// Launch implements Launcher. The browser is started eagerly so a missing
// binary surfaces here rather than mid-scrape.
func (l ChromeLauncher) Launch(ctx context.Context) (Session, error) {
	opts := make([]chromedp.ExecAllocatorOption, 0, len(chromedp.DefaultExecAllocatorOptions)+3)
	opts = append(opts, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("headless", l.Headless), chromedp.DisableGPU)
	if path := strings.TrimSpace(l.ExecPath); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("ship24: start browser: %w", err)
	}
	return &chromeSession{
		cfg:           l.withDefaults(),
		ctx:           browserCtx,
		cancelBrowser: cancelBrowser,
		cancelAlloc:   cancelAlloc,
	}, nil
}

func (l ChromeLauncher) withDefaults() ChromeLauncher {
	if strings.TrimSpace(l.LandingURL) == "" {
		l.LandingURL = DefaultLandingURL
	}
	if l.SettleWait <= 0 {
		l.SettleWait = DefaultSettleWait
	}
	if l.Selectors == (Selectors{}) {
		l.Selectors = DefaultSelectors
	}
	return l
}

type chromeSession struct {
	cfg           ChromeLauncher
	ctx           context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
	closeOnce     sync.Once
	closeErr      error
}

func (s *chromeSession) SubmitAndScrape(ctx context.Context, number string) (RawFields, error) {
	stop := context.AfterFunc(ctx, s.cancelBrowser)
	defer stop()

	sel := s.cfg.Selectors
	submit := chromedp.Submit(sel.Input, chromedp.ByQuery)
	if sel.Submit != "" {
		submit = chromedp.Click(sel.Submit, chromedp.ByQuery)
	}
	err := chromedp.Run(s.ctx,
		chromedp.Navigate(s.cfg.LandingURL),
		chromedp.WaitVisible(sel.Input, chromedp.ByQuery),
		chromedp.SetValue(sel.Input, number, chromedp.ByQuery),
		submit,
	)
	if err != nil {
		return RawFields{}, fmt.Errorf("submit tracking number: %w", err)
	}

	// the panel fills in after submission; extraction below is best-effort
	// whether or not it showed up in time
	waitCtx, cancel := context.WithTimeout(s.ctx, s.cfg.SettleWait)
	err = chromedp.Run(waitCtx, chromedp.WaitVisible(sel.Results, chromedp.ByQuery))
	cancel()
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return RawFields{}, fmt.Errorf("wait for results: %w", err)
	}

	script, err := extractScript(sel, MaxEvents)
	if err != nil {
		return RawFields{}, err
	}
	var raw RawFields
	if err := chromedp.Run(s.ctx, chromedp.Evaluate(script, &raw)); err != nil {
		return RawFields{}, fmt.Errorf("extract results: %w", err)
	}
	return raw, nil
}

func (s *chromeSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = chromedp.Cancel(s.ctx)
		s.cancelBrowser()
		s.cancelAlloc()
		if errors.Is(s.closeErr, context.Canceled) {
			s.closeErr = nil
		}
	})
	return s.closeErr
}

const extractTemplate = `(() => {
  const sel = %s;
  const text = (root, q) => {
    if (!q) return "";
    try {
      const el = root.querySelector(q);
      return el ? el.textContent.trim() : "";
    } catch (e) {
      return "";
    }
  };
  const out = {
    carrier: text(document, sel.carrier),
    status: text(document, sel.status),
    location: text(document, sel.location),
    estimatedDelivery: text(document, sel.eta),
    events: []
  };
  try {
    const rows = sel.eventRow ? document.querySelectorAll(sel.eventRow) : [];
    for (let i = 0; i < rows.length && i < %d; i++) {
      out.events.push({
        date: text(rows[i], sel.eventDate),
        time: text(rows[i], sel.eventTime),
        status: text(rows[i], sel.eventStatus),
        location: text(rows[i], sel.eventLocation)
      });
    }
  } catch (e) {}
  return out;
})()`

// extractScript renders the page-side extraction. Every lookup is wrapped so
// a missing element yields "" instead of aborting the evaluation.
func extractScript(sel Selectors, maxEvents int) (string, error) {
	encoded, err := json.Marshal(sel)
	if err != nil {
		return "", fmt.Errorf("encode selectors: %w", err)
	}
	return fmt.Sprintf(extractTemplate, encoded, maxEvents), nil
}
