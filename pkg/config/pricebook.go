package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/modelmeter/modelmeter/pkg/types"
)

// PricebookEntry is one static model definition. Prices are micro-USD per
// 1,000,000 tokens.
type PricebookEntry struct {
	Label                     string `yaml:"-"`
	Kind                      string `yaml:"kind"`
	ModelID                   string `yaml:"id"`
	InputPriceUSDMicrosPer1M  int64  `yaml:"input_price_usd_micros_per_1m"`
	OutputPriceUSDMicrosPer1M int64  `yaml:"output_price_usd_micros_per_1m"`
	Description               string `yaml:"description,omitempty"`
}

// Pricebook is the process-wide static pricebook, immutable after startup.
type Pricebook struct {
	byLabel   map[string]PricebookEntry
	byModelID map[string]PricebookEntry
	labels    []string
}

type pricebookFile struct {
	ModelLabels map[string]PricebookEntry `yaml:"model_labels"`
}

// LoadPricebook parses and validates the pricebook YAML.
func LoadPricebook(path string) (*Pricebook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricebook: %w", err)
	}
	return ParsePricebook(data)
}

// ParsePricebook builds a Pricebook from raw YAML.
func ParsePricebook(data []byte) (*Pricebook, error) {
	var file pricebookFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse pricebook: %w", err)
	}
	if len(file.ModelLabels) == 0 {
		return nil, fmt.Errorf("pricebook defines no model labels")
	}

	pb := &Pricebook{
		byLabel:   make(map[string]PricebookEntry, len(file.ModelLabels)),
		byModelID: make(map[string]PricebookEntry, len(file.ModelLabels)),
	}
	for label, entry := range file.ModelLabels {
		entry.Label = label
		if entry.Kind == "" {
			entry.Kind = "model"
		}
		if entry.Kind != "model" {
			return nil, fmt.Errorf("pricebook label %q: unsupported kind %q", label, entry.Kind)
		}
		if entry.ModelID == "" {
			return nil, fmt.Errorf("pricebook label %q: missing model id", label)
		}
		if entry.InputPriceUSDMicrosPer1M < 0 || entry.OutputPriceUSDMicrosPer1M < 0 {
			return nil, fmt.Errorf("pricebook label %q: negative price", label)
		}
		pb.byLabel[label] = entry
		pb.byModelID[entry.ModelID] = entry
		pb.labels = append(pb.labels, label)
	}
	sort.Strings(pb.labels)
	return pb, nil
}

// Lookup returns the entry for a label.
func (p *Pricebook) Lookup(label string) (PricebookEntry, bool) {
	entry, ok := p.byLabel[label]
	return entry, ok
}

// LookupByModelID returns the entry for a model id.
func (p *Pricebook) LookupByModelID(modelID string) (PricebookEntry, bool) {
	entry, ok := p.byModelID[modelID]
	return entry, ok
}

// Labels returns all defined labels, sorted.
func (p *Pricebook) Labels() []string {
	return p.labels
}

// Price renders an entry as a PriceEntry for the pricing resolver.
func (e PricebookEntry) Price() types.PriceEntry {
	return types.PriceEntry{
		InputPriceUSDMicrosPer1M:  e.InputPriceUSDMicrosPer1M,
		OutputPriceUSDMicrosPer1M: e.OutputPriceUSDMicrosPer1M,
		Source:                    "PRICEBOOK",
	}
}
