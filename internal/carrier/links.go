package carrier

import (
	"fmt"
	"net/url"
)

var carrierLinks = map[string]string{
	SingPost:  "https://www.singpost.com/track-items?trackingid=%s",
	UPS:       "https://www.ups.com/track?tracknum=%s",
	USPS:      "https://tools.usps.com/go/TrackConfirmAction?tLabels=%s",
	FedEx:     "https://www.fedex.com/fedextrack/?trknbr=%s",
	DHL:       "https://www.dhl.com/en/express/tracking.html?AWB=%s",
	RoyalMail: "https://www.royalmail.com/track-your-item#/tracking-results/%s",
	AusPost:   "https://auspost.com.au/mypost/track/details/%s",
	ChinaPost: "https://track.chinapost.com.cn/?mailNo=%s",
	NinjaVan:  "https://www.ninjavan.co/en-sg/tracking?id=%s",
	JNT:       "https://www.jtexpress.sg/tracking?billcode=%s",
	Aramex:    "https://www.aramex.com/track/results?ShipmentNumber=%s",
}

// ManualLinks returns carrier name to web URL for checking number by hand.
// The aggregators are always present; the detected carrier's own page is added
// when known. No network access is needed.
func ManualLinks(number string) map[string]string {
	n := Normalize(number)
	if n == "" {
		return map[string]string{}
	}
	q := url.QueryEscape(n)
	p := url.PathEscape(n)
	links := map[string]string{
		"Ship24":     "https://www.ship24.com/tracking?p=" + q,
		"17TRACK":    "https://t.17track.net/en#nums=" + q,
		"ParcelsApp": "https://parcelsapp.com/en/tracking/" + p,
		"SingPost":   fmt.Sprintf(carrierLinks[SingPost], q),
	}
	if c := Detect(n); c != Unknown {
		if tmpl, ok := carrierLinks[c]; ok {
			links[DisplayName(c)] = fmt.Sprintf(tmpl, q)
		}
	}
	return links
}
