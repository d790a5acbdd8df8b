package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/modelmeter/modelmeter/pkg/apierr"
	"github.com/modelmeter/modelmeter/pkg/config"
	"github.com/modelmeter/modelmeter/pkg/storage"
	"github.com/modelmeter/modelmeter/pkg/types"
)

const (
	memoTTL     = 5 * time.Minute
	memoSweep   = 10 * time.Minute
	sourceStore = "PRICE_CACHE"
)

// Resolver performs the three-tier pricing lookup: process-local memo, store
// price cache, static pricebook. First hit wins and back-fills the memo.
type Resolver struct {
	store     storage.Store
	pricebook *config.Pricebook
	memo      *gocache.Cache
}

// NewResolver creates a pricing resolver over the given store and pricebook.
func NewResolver(store storage.Store, pricebook *config.Pricebook) *Resolver {
	return &Resolver{
		store:     store,
		pricebook: pricebook,
		memo:      gocache.New(memoTTL, memoSweep),
	}
}

func memoKey(modelID, date, region string) string {
	if region != "" {
		return modelID + ":" + date + ":" + region
	}
	return modelID + ":" + date
}

func storePriceKey(date, region string) string {
	if region != "" {
		return date + "-" + region
	}
	return date
}

// Price resolves the price for a model on a date, optionally region-specific.
// Absence at all three tiers is a configuration error, never a client error.
func (r *Resolver) Price(ctx context.Context, modelID, date, region string) (types.PriceEntry, error) {
	key := memoKey(modelID, date, region)
	if cached, ok := r.memo.Get(key); ok {
		return cached.(types.PriceEntry), nil
	}

	entry, err := r.store.GetPricing(ctx, modelID, storePriceKey(date, region))
	if err == nil {
		entry.Source = sourceStore
		r.memo.SetDefault(key, *entry)
		return *entry, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return types.PriceEntry{}, fmt.Errorf("pricing cache lookup: %w", err)
	}

	if static, ok := r.pricebook.LookupByModelID(modelID); ok {
		price := static.Price()
		r.memo.SetDefault(key, price)
		return price, nil
	}

	return types.PriceEntry{}, apierr.InvalidConfig(
		fmt.Sprintf("no pricing found for model %s", modelID),
		map[string]any{"model_id": modelID, "date": date})
}

// Cost derives micro-USD cost from token counts with floor division. Rounding
// down is intentional and must match across implementations.
func Cost(inputTokens, outputTokens int64, price types.PriceEntry) int64 {
	inputMicros := (inputTokens * price.InputPriceUSDMicrosPer1M) / 1_000_000
	outputMicros := (outputTokens * price.OutputPriceUSDMicrosPer1M) / 1_000_000
	return inputMicros + outputMicros
}
