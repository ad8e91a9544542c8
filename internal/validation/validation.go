package validation

import (
	"errors"
	"regexp"
	"strings"

	"github.com/kjstillabower/forecast-service/internal/apperror"
)

// DefaultCountry is used when the caller supplies no country code.
const DefaultCountry = "US"

// ErrPostalCodeEmpty is returned (wrapped in *apperror.ValidationError) when the postal
// code is empty or whitespace-only after trim.
var ErrPostalCodeEmpty = errors.New("postal code is required")

// ErrPostalCodeFormat is returned (wrapped in *apperror.ValidationError) when the postal
// code does not match its country's registered pattern.
var ErrPostalCodeFormat = errors.New("postal code format mismatch")

// postalPatterns is an allow-list of strictly validated countries. Countries not listed
// accept any non-empty postal code.
var postalPatterns = map[string]*regexp.Regexp{
	"US": regexp.MustCompile(`^\d{5}(-\d{4})?$`),
	"CA": regexp.MustCompile(`^[A-Za-z]\d[A-Za-z]\s?\d[A-Za-z]\d$`),
	"GB": regexp.MustCompile(`^[A-Za-z]{1,2}\d[A-Za-z\d]?\s?\d[A-Za-z]{2}$`),
	"AU": regexp.MustCompile(`^\d{4}$`),
}

var countryNames = map[string]string{
	"US": "United States",
	"CA": "Canada",
	"GB": "United Kingdom",
	"AU": "Australia",
	"DE": "Germany",
	"FR": "France",
	"JP": "Japan",
	"IN": "India",
	"IT": "Italy",
	"ES": "Spain",
	"NL": "Netherlands",
	"BR": "Brazil",
	"RU": "Russia",
	"CN": "China",
}

// PostalCode is a validated, normalized (postal code, country) pair.
type PostalCode struct {
	Code    string
	Country string
}

// ValidatePostalCode trims the postal code, normalizes the country code and checks the
// code against the country's pattern when one is registered. Errors are
// *apperror.ValidationError wrapping ErrPostalCodeEmpty or ErrPostalCodeFormat.
func ValidatePostalCode(postalCode, countryCode string) (PostalCode, error) {
	code := strings.TrimSpace(postalCode)
	if code == "" {
		return PostalCode{}, &apperror.ValidationError{
			Message: "Postal code cannot be empty",
			Err:     ErrPostalCodeEmpty,
		}
	}
	country := NormalizeCountry(countryCode)
	if re, ok := postalPatterns[country]; ok && !re.MatchString(code) {
		return PostalCode{}, &apperror.ValidationError{
			Message: "Invalid postal code format for " + CountryName(country) + ". Please check and try again.",
			Err:     ErrPostalCodeFormat,
		}
	}
	return PostalCode{Code: code, Country: country}, nil
}

// NormalizeCountry trims and uppercases a country code, defaulting blank input to US.
func NormalizeCountry(countryCode string) string {
	c := strings.ToUpper(strings.TrimSpace(countryCode))
	if c == "" {
		return DefaultCountry
	}
	return c
}

// CacheKey builds the forecast cache key from raw, unvalidated input:
// trimmed postal code, "_", normalized country.
func CacheKey(postalCode, countryCode string) string {
	return strings.TrimSpace(postalCode) + "_" + NormalizeCountry(countryCode)
}

// CountryName returns a display name for user-facing messages, or the code itself.
func CountryName(countryCode string) string {
	if name, ok := countryNames[countryCode]; ok {
		return name
	}
	return countryCode
}

// HasPattern reports whether the (normalized) country has strict format checking.
func HasPattern(countryCode string) bool {
	_, ok := postalPatterns[NormalizeCountry(countryCode)]
	return ok
}
