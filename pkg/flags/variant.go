package flags

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/trackkit/mixpanel/pkg/network"
)

// Variant is one flag evaluation result: the assigned bucket key, its value,
// and optional experiment metadata.
type Variant struct {
	Key                string `json:"key"`
	Value              any    `json:"value"`
	ExperimentID       any    `json:"experimentID,omitempty"`
	IsExperimentActive *bool  `json:"isExperimentActive,omitempty"`
	IsQATester         *bool  `json:"isQATester,omitempty"`
}

// FallbackVariant builds the variant returned when a flag is missing: the
// flag name as key and the caller-supplied value.
func FallbackVariant(name string, value any) Variant {
	return Variant{Key: name, Value: value}
}

func variantFromPayload(p network.VariantPayload) Variant {
	return Variant{
		Key:                p.VariantKey,
		Value:              p.VariantValue,
		ExperimentID:       p.ExperimentID,
		IsExperimentActive: p.IsExperimentActive,
		IsQATester:         p.IsQATester,
	}
}

// cachePair is one persisted cache entry, serialized as a two-element JSON
// array [name, variant]. The pair-list form (rather than a JSON object)
// keeps the persisted cache portable across SDKs.
type cachePair struct {
	Name    string
	Variant Variant
}

func (p cachePair) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Name, p.Variant})
}

func (p *cachePair) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 2 {
		return fmt.Errorf("cache entry must be a [name, variant] pair, got %d elements", len(parts))
	}
	if err := json.Unmarshal(parts[0], &p.Name); err != nil {
		return err
	}
	return json.Unmarshal(parts[1], &p.Variant)
}

// encodeCache serializes the flag map as an ordered pair list, sorted by
// flag name for stable output.
func encodeCache(flags map[string]Variant) ([]byte, error) {
	pairs := make([]cachePair, 0, len(flags))
	for name, v := range flags {
		pairs = append(pairs, cachePair{Name: name, Variant: v})
	}
	slices.SortFunc(pairs, func(a, b cachePair) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})
	return json.Marshal(pairs)
}

// decodeCache parses the persisted pair list back into a flag map.
func decodeCache(data []byte) (map[string]Variant, error) {
	var pairs []cachePair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptCache, err)
	}
	flags := make(map[string]Variant, len(pairs))
	for _, p := range pairs {
		flags[p.Name] = p.Variant
	}
	return flags, nil
}
