package tracking

import (
	"context"
	"strings"
	"time"
)

// Provider names a tracking backend.
type Provider string

const (
	ProviderSingPost Provider = "singpost"
	ProviderShip24   Provider = "ship24"
)

// ParseProvider normalises a provider hint. Unknown values return "".
func ParseProvider(v string) Provider {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "singpost", "sp":
		return ProviderSingPost
	case "ship24", "scrape", "browser":
		return ProviderShip24
	}
	return ""
}

// ProviderForCarrier returns the backend able to serve carrier, or "" for
// unknown carriers.
func ProviderForCarrier(carrier string) Provider {
	switch strings.ToLower(strings.TrimSpace(carrier)) {
	case "", "unknown":
		return ""
	case "singpost", "speedpost":
		return ProviderSingPost
	}
	return ProviderShip24
}

// Event is one status entry reported by the structured backend.
type Event struct {
	StatusCode        string  `json:"statusCode"`
	StatusDescription string  `json:"statusDescription"`
	Date              string  `json:"date"`
	Time              string  `json:"time"`
	ReasonCode        *string `json:"reasonCode,omitempty"`
}

// Result is the structured backend's answer for one tracking number.
type Result struct {
	TrackingNumber        string  `json:"trackingNumber"`
	Found                 bool    `json:"found"`
	OriginCountry         *string `json:"originCountry,omitempty"`
	DestinationCountry    *string `json:"destinationCountry,omitempty"`
	PostingDate           *string `json:"postingDate,omitempty"`
	Events                []Event `json:"events"`
	Err                   *Error  `json:"-"`
	WasPhysicallyReceived bool    `json:"wasPhysicallyReceived"`
}

// Failed builds a not-found result carrying err.
func Failed(number string, err *Error) Result {
	if err == nil {
		err = NotFound()
	}
	return Result{TrackingNumber: number, Events: []Event{}, Err: err}
}

// ErrorMessage returns the failure text or "" on success.
func (r Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Checkpoint is a normalised event in a Response.
type Checkpoint struct {
	Date        string `json:"date,omitempty"`
	Time        string `json:"time,omitempty"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Code        string `json:"code,omitempty"`
}

// Response is the backend-independent shape returned to callers.
type Response struct {
	Success               bool              `json:"success"`
	TrackingNumber        string            `json:"trackingNumber"`
	Carrier               string            `json:"carrier"`
	Provider              Provider          `json:"provider,omitempty"`
	Status                string            `json:"status"`
	Events                []Checkpoint      `json:"events"`
	CurrentLocation       *string           `json:"currentLocation"`
	EstimatedDelivery     *string           `json:"estimatedDelivery"`
	LastUpdated           time.Time         `json:"lastUpdated"`
	ErrorMessage          *string           `json:"errorMessage"`
	ErrorKind             Kind              `json:"errorKind,omitempty"`
	ManualLinks           map[string]string `json:"manualLinks,omitempty"`
	WasPhysicallyReceived *bool             `json:"wasPhysicallyReceived,omitempty"`
}

// FailedResponse builds an unsuccessful response for number.
func FailedResponse(number, carrier string, provider Provider, err *Error, now time.Time) Response {
	if err == nil {
		err = Internal(nil)
	}
	msg := err.Error()
	if carrier == "" {
		carrier = "Unknown"
	}
	return Response{
		TrackingNumber: number,
		Carrier:        carrier,
		Provider:       provider,
		Status:         "Error",
		Events:         []Checkpoint{},
		LastUpdated:    now,
		ErrorMessage:   &msg,
		ErrorKind:      err.Kind,
	}
}

// TrackOptions tunes a structured batch lookup.
type TrackOptions struct {
	BypassRateLimit bool
}

// StructuredTracker tracks batches against a structured-protocol backend.
type StructuredTracker interface {
	Track(ctx context.Context, numbers []string, opts TrackOptions) []Result
}

// PageTracker tracks numbers against a scraping backend, one session per
// number.
type PageTracker interface {
	Track(ctx context.Context, number, carrierHint string) Response
	TrackMultiple(ctx context.Context, numbers []string, carrierHint string) []Response
}

// StringPtr returns nil for blank strings.
func StringPtr(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
