package provider

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// normalizePhone parses a vendor-reported number and returns E.164. Vendors
// are inconsistent about the '+' prefix, so one is added when missing before
// parsing. Returns "" when the number does not validate.
func normalizePhone(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "+") {
		s = "+" + s
	}
	num, err := phonenumbers.Parse(s, "")
	if err != nil {
		return ""
	}
	if !phonenumbers.IsValidNumber(num) {
		return ""
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

// phoneMatchesCountry checks that an E.164 number belongs to the requested
// ISO 3166-1 alpha-2 country. The match is on the calling code, not the
// region: +44 mobile ranges can resolve to GG or JE while still being the
// number a GB buyer asked for. An empty requested country accepts anything.
func phoneMatchesCountry(phone, country string) bool {
	if country == "" {
		return true
	}
	num, err := phonenumbers.Parse(phone, "")
	if err != nil {
		return false
	}
	want := phonenumbers.GetCountryCodeForRegion(strings.ToUpper(country))
	return want != 0 && int(num.GetCountryCode()) == want
}

// checkPurchasedPhone validates and normalizes the number a vendor handed
// back. A number that fails validation or sits in the wrong country is an
// InvalidProduct: the vendor sold us something other than what was asked for,
// and the next provider in the waterfall should be tried.
func checkPurchasedPhone(name, rawPhone, country string) (string, error) {
	phone := normalizePhone(rawPhone)
	if phone == "" {
		return "", &Error{Provider: name, Kind: KindInvalidProduct,
			Message: "unparseable phone number in purchase response"}
	}
	if !phoneMatchesCountry(phone, country) {
		return "", &Error{Provider: name, Kind: KindInvalidProduct,
			Message: "purchased number is outside requested country " + country}
	}
	return phone, nil
}
