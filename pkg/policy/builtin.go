package policy

// builtinRedistributionPolicy is the Rego source for the redistribution gate.
// Input shape: {"purpose": "display"|"download", "sources": [{"provider": ..., "license": ...}]}.
// A deny entry is produced per disallowed source; any entry fails the whole check.
const builtinRedistributionPolicy = `
package coinscribe.redistribution

import rego.v1

deny contains violation if {
	input.purpose == "download"
	some source in input.sources
	source.license == "display-only"
	violation := {
		"source": source.provider,
		"message": sprintf("source %s is licensed display-only and may not be included in a downloadable artifact", [source.provider]),
	}
}

deny contains violation if {
	not valid_purpose
	violation := {
		"source": "",
		"message": sprintf("unknown purpose %q", [input.purpose]),
	}
}

valid_purpose if input.purpose == "display"

valid_purpose if input.purpose == "download"
`

// redistributionPolicyName identifies the builtin policy in logs and violations.
const redistributionPolicyName = "redistribution"
