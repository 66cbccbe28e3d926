package config

import "encoding/json"

// Secret holds a credential such as an LLM API key. Every printing and
// encoding path yields a redacted placeholder; only Value exposes the key.
type Secret string

const redactedSecret = "[REDACTED]"

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redactedSecret
}

// GoString keeps %#v from leaking the key.
func (s Secret) GoString() string { return "Secret(" + redactedSecret + ")" }

// Value returns the raw credential for handing to a client SDK.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether a credential was configured.
func (s Secret) IsSet() bool { return s != "" }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// MarshalText also covers YAML encoders that fall back to text marshaling.
func (s Secret) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText accepts the raw credential from config files and env.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
