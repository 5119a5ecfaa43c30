package dispatcher

import (
	"context"
	"fmt"

	"github.com/guregu/null/v6"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

// FetchBatch dispatches every request concurrently. A failed member yields a
// result with nil Data and a non-empty Error; siblings are unaffected and the
// returned slice always matches the input order and length.
func (d *Dispatcher) FetchBatch(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))

	var wg conc.WaitGroup
	for i := range reqs {
		wg.Go(func() {
			results[i] = d.fetchOne(ctx, reqs[i])
		})
	}
	wg.Wait()

	return results
}

func (d *Dispatcher) fetchOne(ctx context.Context, req Request) (result Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logrus.WithField("data_type", req.DataType).Errorf("batch member panicked: %v", recovered)
			result = d.failedResult(ctx, req, fmt.Errorf("%w: fetch failed: %v", ErrCapabilityNotFound, recovered))
		}
	}()

	res, err := d.Dispatch(ctx, req)
	if err != nil {
		return d.failedResult(ctx, req, err)
	}
	return *res
}

// failedResult still reports a best-effort market and market status.
func (d *Dispatcher) failedResult(ctx context.Context, req Request, err error) Result {
	symbols := normalizeSymbols(req.Symbols)

	market := req.Market
	if market == "" && len(symbols) > 0 {
		market = InferMarket(symbols[0])
	}

	var result Result
	if market != "" && d.marketStatus != nil {
		status := d.marketStatus.GetStatus(market, d.now())
		result = Result{MarketStatus: &status}
	}

	result.DataType = req.DataType
	result.Symbols = symbols
	result.Market = market
	result.Data = nil
	result.Error = null.StringFrom(err.Error())
	result.FetchedAt = d.now().UTC()

	return result
}
