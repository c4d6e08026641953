package schema

import (
	"regexp"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	uuidPattern     = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[1-5][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

	registerFormatsOnce sync.Once
)

// registerFormats installs the custom "uuid" and "currency" formats.
// They are shared by every compiled validator in the process.
func registerFormats() {
	registerFormatsOnce.Do(func() {
		jsonschema.Formats["uuid"] = isUUIDFormat
		jsonschema.Formats["currency"] = isCurrencyFormat
	})
}

// Non-string values pass format checks; "type" is responsible for them.

func isUUIDFormat(v any) bool {
	s, ok := v.(string)
	if !ok {
		return true
	}
	return uuidPattern.MatchString(s)
}

func isCurrencyFormat(v any) bool {
	s, ok := v.(string)
	if !ok {
		return true
	}
	return currencyPattern.MatchString(s)
}
