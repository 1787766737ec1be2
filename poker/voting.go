package poker

import "strings"

// Named voting systems.
const (
	Fibonacci   = "fibonacci"
	TShirtSizes = "tshirt"
	PowersOfTwo = "powers-of-two"
)

var votingSystems = map[string][]string{
	Fibonacci:   {"0", "1", "2", "3", "5", "8", "13", "21", "34", "55", "89", "?"},
	TShirtSizes: {"XS", "S", "M", "L", "XL", "XXL", "?"},
	PowersOfTwo: {"1", "2", "4", "8", "16", "32", "64", "?"},
}

// VotingOptions returns the permissible vote values for a voting-system
// descriptor. Unrecognized descriptors containing commas are treated as a
// custom value list; anything else falls back to fibonacci. The options are
// a display and validation aid for clients, not an invariant the rules
// enforce.
func VotingOptions(system string) []string {
	if options, ok := votingSystems[system]; ok {
		return append([]string(nil), options...)
	}

	if strings.Contains(system, ",") {
		var options []string
		for _, value := range strings.Split(system, ",") {
			if value = strings.TrimSpace(value); value != "" {
				options = append(options, value)
			}
		}
		if len(options) > 0 {
			return options
		}
	}

	return append([]string(nil), votingSystems[Fibonacci]...)
}
