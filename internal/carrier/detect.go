// Package carrier guesses which logistics company issued a tracking number and
// builds manual lookup links for it. Everything here is pure: no I/O.
package carrier

import (
	"regexp"
	"strings"
)

// Unknown is returned when no rule matches.
const Unknown = "unknown"

// Carrier identifiers returned by Detect.
const (
	SingPost  = "singpost"
	UPS       = "ups"
	USPS      = "usps"
	FedEx     = "fedex"
	DHL       = "dhl"
	RoyalMail = "royalmail"
	AusPost   = "auspost"
	ChinaPost = "chinapost"
	NinjaVan  = "ninjavan"
	JNT       = "jnt"
	Aramex    = "aramex"
)

type rule struct {
	carrier string
	pattern *regexp.Regexp
}

// s10 matches the UPU S10 international format: two letters, nine digits and
// the ISO country of the issuing post.
var s10 = regexp.MustCompile(`^[A-Z]{2}\d{9}([A-Z]{2})$`)

var postalByCountry = map[string]string{
	"SG": SingPost,
	"US": USPS,
	"GB": RoyalMail,
	"AU": AusPost,
	"CN": ChinaPost,
}

// Order matters: the first match wins, so specific prefixes precede bare
// digit-length rules.
var rules = []rule{
	{UPS, regexp.MustCompile(`^1Z[0-9A-Z]{16}$`)},
	{SingPost, regexp.MustCompile(`^(SPNDD|SPPSD|SPRPD)[0-9A-Z]{6,}$`)},
	{NinjaVan, regexp.MustCompile(`^NV[A-Z]{2,8}[0-9A-Z]{6,}$`)},
	{JNT, regexp.MustCompile(`^JT\d{10,14}$`)},
	{USPS, regexp.MustCompile(`^(9[1-5]\d{20}|9[1-5]\d{24}|82\d{8})$`)},
	{FedEx, regexp.MustCompile(`^(\d{12}|\d{15}|96\d{20})$`)},
	{Aramex, regexp.MustCompile(`^\d{11}$`)},
	{DHL, regexp.MustCompile(`^(\d{10}|JJD\d{10,18}|JVGL\d{8,})$`)},
}

// Normalize trims, upper-cases and strips spaces and hyphens.
func Normalize(number string) string {
	number = strings.ToUpper(strings.TrimSpace(number))
	return strings.NewReplacer(" ", "", "-", "", "\t", "").Replace(number)
}

// Detect returns the best-guess carrier for number, or Unknown.
func Detect(number string) string {
	n := Normalize(number)
	if n == "" {
		return Unknown
	}
	if m := s10.FindStringSubmatch(n); m != nil {
		if c, ok := postalByCountry[m[1]]; ok {
			return c
		}
		return Unknown
	}
	for _, r := range rules {
		if r.pattern.MatchString(n) {
			return r.carrier
		}
	}
	return Unknown
}

// DisplayName returns a human readable carrier name.
func DisplayName(carrier string) string {
	switch carrier {
	case SingPost:
		return "SingPost"
	case UPS:
		return "UPS"
	case USPS:
		return "USPS"
	case FedEx:
		return "FedEx"
	case DHL:
		return "DHL"
	case RoyalMail:
		return "Royal Mail"
	case AusPost:
		return "Australia Post"
	case ChinaPost:
		return "China Post"
	case NinjaVan:
		return "Ninja Van"
	case JNT:
		return "J&T Express"
	case Aramex:
		return "Aramex"
	}
	return "Unknown"
}
