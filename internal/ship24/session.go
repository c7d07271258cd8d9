package ship24

import "context"

// RawEvent is one event row as read from the rendered page.
type RawEvent struct {
	Date     string `json:"date"`
	Time     string `json:"time"`
	Status   string `json:"status"`
	Location string `json:"location"`
}

// RawFields is everything a session managed to read off the results panel.
// Any field may be blank.
type RawFields struct {
	Carrier           string     `json:"carrier"`
	Status            string     `json:"status"`
	Location          string     `json:"location"`
	EstimatedDelivery string     `json:"estimatedDelivery"`
	Events            []RawEvent `json:"events"`
}

// Session is one isolated browser. It is used for a single lookup and then
// closed.
type Session interface {
	SubmitAndScrape(ctx context.Context, number string) (RawFields, error)
	Close() error
}

// Launcher starts browser sessions.
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (Session, error)

// Launch implements Launcher.
func (f LauncherFunc) Launch(ctx context.Context) (Session, error) { return f(ctx) }
