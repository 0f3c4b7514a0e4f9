package provider

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nkeys"
)

// SecretStringValue wraps a sensitive string so it can't end up in logs by
// accident: String() redacts, Reveal() returns the value.
type SecretStringValue struct {
	value string
}

func (s SecretStringValue) String() string {
	return "redacted(string)"
}

func (s SecretStringValue) Reveal() string {
	return s.value
}

func (s *SecretStringValue) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &s.value)
}

func (s SecretStringValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.value)
}

type SecretBytesValue struct {
	value []byte
}

func (s SecretBytesValue) String() string {
	return "redacted(bytes)"
}

func (s SecretBytesValue) Reveal() []byte {
	return s.value
}

// SecretValue is a tagged secret: exactly one of String or Bytes is set,
// matching the {"kind": ..., "value": ...} wire encoding.
type SecretValue struct {
	String SecretStringValue
	Bytes  SecretBytesValue
}

func StringSecret(value string) SecretValue {
	return SecretValue{String: SecretStringValue{value: value}}
}

func BytesSecret(value []byte) SecretValue {
	return SecretValue{Bytes: SecretBytesValue{value: value}}
}

type secretValueWire struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// Secret values are serialized as either a String or Bytes value, e.g.
// {"kind": "String", "value": "my secret"} or {"kind": "Bytes", "value": [1, 2, 3]}
func (s *SecretValue) UnmarshalJSON(data []byte) error {
	var wire secretValueWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	switch wire.Kind {
	case "String":
		var value string
		if err := json.Unmarshal(wire.Value, &value); err != nil {
			return err
		}
		s.String = SecretStringValue{value: value}
	case "Bytes":
		// Bytes are encoded as a JSON array of numbers on the wire
		var nums []uint8
		if err := json.Unmarshal(wire.Value, &nums); err == nil {
			s.Bytes = SecretBytesValue{value: nums}
			return nil
		}
		var ints []int
		if err := json.Unmarshal(wire.Value, &ints); err != nil {
			return err
		}
		value := make([]byte, len(ints))
		for i, n := range ints {
			value[i] = byte(n)
		}
		s.Bytes = SecretBytesValue{value: value}
	default:
		return fmt.Errorf("invalid secret kind: %s", wire.Kind)
	}

	return nil
}

func (s SecretValue) MarshalJSON() ([]byte, error) {
	if b := s.Bytes.Reveal(); b != nil {
		ints := make([]int, len(b))
		for i, v := range b {
			ints[i] = int(v)
		}
		value, err := json.Marshal(ints)
		if err != nil {
			return nil, err
		}
		return json.Marshal(secretValueWire{Kind: "Bytes", Value: value})
	}
	value, err := json.Marshal(s.String.Reveal())
	if err != nil {
		return nil, err
	}
	return json.Marshal(secretValueWire{Kind: "String", Value: value})
}

// decryptSecrets opens a sealed link secret blob with the provider's private
// xkey (the host's public xkey authenticates the sender) and deserializes the
// plaintext into named secret values. A nil blob means the link carries no
// secrets and yields an empty map. Decryption and deserialization failures are
// both secret-resolution failures; the caller treats them identically.
func decryptSecrets(encrypted []byte, providerXkey nkeys.KeyPair, hostPublicXkey string) (map[string]SecretValue, error) {
	secrets := make(map[string]SecretValue)
	if encrypted == nil {
		return secrets, nil
	}

	plaintext, err := providerXkey.Open(encrypted, hostPublicXkey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt link secrets: %w", err)
	}
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to deserialize link secrets: %w", err)
	}
	return secrets, nil
}
