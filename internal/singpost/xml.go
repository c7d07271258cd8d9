package singpost

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/noah-isme/parcel-tracker/internal/tracking"
)

// InformationReceived is the status code meaning the carrier holds order data
// but has not taken the parcel. Every other code is read as physical custody;
// that rule comes from the carrier's integration notes and has not been
// checked against the full code table.
const InformationReceived = "IR"

type trackingRequest struct {
	XMLName         xml.Name `xml:"ItemTrackingDetailsRequest"`
	SystemID        string   `xml:"SystemID"`
	TrackingNumbers []string `xml:"ItemTrackingNumbers>TrackingNumber"`
}

type trackingResponse struct {
	Status struct {
		ErrorCode    string `xml:"ErrorCode"`
		ErrorMessage string `xml:"ErrorMessage"`
	} `xml:"Status"`
	Items []itemDetail `xml:"ItemsTrackingDetailList>ItemTrackingDetail"`
}

type itemDetail struct {
	TrackingNumber      string         `xml:"TrackingNumber"`
	TrackingNumberFound string         `xml:"TrackingNumberFound"`
	OriginCountry       string         `xml:"OriginCountry"`
	OriginalCountry     string         `xml:"OriginalCountry"`
	DestinationCountry  string         `xml:"DestinationCountry"`
	PostingDate         string         `xml:"PostingDate"`
	Statuses            []statusDetail `xml:"DeliveryStatusDetails>DeliveryStatusDetail"`
}

type statusDetail struct {
	Date              string `xml:"Date"`
	StatusDescription string `xml:"StatusDescription"`
	StatusCode        string `xml:"StatusCode"`
	ReasonCode        string `xml:"ReasonCode"`
}

func encodeRequest(systemID string, numbers []string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(trackingRequest{SystemID: systemID, TrackingNumbers: numbers}); err != nil {
		return nil, fmt.Errorf("encode tracking request: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeResponse parses a response body into per-number results keyed by the
// normalised tracking number. A non-zero Status/ErrorCode fails the whole call.
func decodeResponse(r io.Reader) (map[string]tracking.Result, *tracking.Error) {
	var payload trackingResponse
	if err := xml.NewDecoder(r).Decode(&payload); err != nil {
		return nil, tracking.Decode(err)
	}
	if code := strings.TrimSpace(payload.Status.ErrorCode); code != "" && code != "0" {
		return nil, tracking.APIStatus(code, strings.TrimSpace(payload.Status.ErrorMessage))
	}
	out := make(map[string]tracking.Result, len(payload.Items))
	for _, item := range payload.Items {
		number := strings.TrimSpace(item.TrackingNumber)
		if number == "" {
			continue
		}
		out[normalize(number)] = buildResult(number, item)
	}
	return out, nil
}

func buildResult(number string, item itemDetail) tracking.Result {
	events := make([]tracking.Event, 0, len(item.Statuses))
	for _, s := range item.Statuses {
		date, clock := splitDateTime(s.Date)
		events = append(events, tracking.Event{
			StatusCode:        strings.TrimSpace(s.StatusCode),
			StatusDescription: strings.TrimSpace(s.StatusDescription),
			Date:              date,
			Time:              clock,
			ReasonCode:        tracking.StringPtr(s.ReasonCode),
		})
	}
	if !parseFound(item.TrackingNumberFound, len(events)) {
		return tracking.Failed(number, tracking.NotFound())
	}
	origin := item.OriginCountry
	if strings.TrimSpace(origin) == "" {
		origin = item.OriginalCountry
	}
	return tracking.Result{
		TrackingNumber:        number,
		Found:                 true,
		OriginCountry:         tracking.StringPtr(origin),
		DestinationCountry:    tracking.StringPtr(item.DestinationCountry),
		PostingDate:           tracking.StringPtr(item.PostingDate),
		Events:                events,
		WasPhysicallyReceived: physicallyReceived(events),
	}
}

// physicallyReceived is true when any event carries a code other than
// InformationReceived.
func physicallyReceived(events []tracking.Event) bool {
	for _, ev := range events {
		if ev.StatusCode != InformationReceived {
			return true
		}
	}
	return false
}

// splitDateTime splits "2024-01-02T10:11:12" into its date and time parts.
func splitDateTime(v string) (string, string) {
	v = strings.TrimSpace(v)
	if date, clock, ok := strings.Cut(v, "T"); ok {
		return date, clock
	}
	if date, clock, ok := strings.Cut(v, " "); ok {
		return date, strings.TrimSpace(clock)
	}
	return v, ""
}

func parseFound(v string, events int) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "y", "yes", "1":
		return true
	case "false", "n", "no", "0":
		return false
	}
	return events > 0
}

func normalize(number string) string {
	return strings.ToUpper(strings.TrimSpace(number))
}
