package serpapi

import (
	"strings"

	"github.com/hsn0918/serptrack/internal/serp"
)

// countryNames maps ISO-3166 alpha-2 codes onto the country names the
// provider's location parameter expects. Codes outside the table pass
// through as the alpha-2 code; the provider resolves those itself.
var countryNames = map[string]string{
	"AR": "Argentina",
	"AT": "Austria",
	"AU": "Australia",
	"BE": "Belgium",
	"BR": "Brazil",
	"CA": "Canada",
	"CH": "Switzerland",
	"CL": "Chile",
	"CN": "China",
	"CO": "Colombia",
	"CZ": "Czechia",
	"DE": "Germany",
	"DK": "Denmark",
	"EG": "Egypt",
	"ES": "Spain",
	"FI": "Finland",
	"FR": "France",
	"GB": "United Kingdom",
	"GR": "Greece",
	"HK": "Hong Kong",
	"HU": "Hungary",
	"ID": "Indonesia",
	"IE": "Ireland",
	"IL": "Israel",
	"IN": "India",
	"IT": "Italy",
	"JP": "Japan",
	"KR": "South Korea",
	"MX": "Mexico",
	"MY": "Malaysia",
	"NG": "Nigeria",
	"NL": "Netherlands",
	"NO": "Norway",
	"NZ": "New Zealand",
	"PE": "Peru",
	"PH": "Philippines",
	"PK": "Pakistan",
	"PL": "Poland",
	"PT": "Portugal",
	"RO": "Romania",
	"RU": "Russia",
	"SA": "Saudi Arabia",
	"SE": "Sweden",
	"SG": "Singapore",
	"TH": "Thailand",
	"TR": "Turkey",
	"TW": "Taiwan",
	"UA": "Ukraine",
	"US": "United States",
	"VN": "Vietnam",
	"ZA": "South Africa",
}

// BuildLocation composes the provider location string from the most
// specific geo fields available: "City,PostalCode,State,Country" down to
// just the country. A postal code narrows the city rather than replacing
// it, so both are kept when both are set.
func BuildLocation(opts serp.Options) string {
	var parts []string
	if opts.City != "" {
		parts = append(parts, opts.City)
	}
	if opts.PostalCode != "" {
		parts = append(parts, opts.PostalCode)
	}
	if opts.State != "" {
		parts = append(parts, opts.State)
	}
	if code := strings.ToUpper(opts.Country); code != "" {
		country := countryNames[code]
		if country == "" {
			country = code
		}
		parts = append(parts, country)
	}

	return strings.Join(parts, ",")
}
