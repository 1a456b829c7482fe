package feed

import (
	"context"
	"fmt"
	"strings"
)

// Select returns the first ranked source that is non-nil and passes its probe.
// Sources without a Probe method are accepted as-is.
func Select(ctx context.Context, ranked ...Source) (Source, error) {
	var tried []string
	for _, src := range ranked {
		if src == nil {
			continue
		}
		p, ok := src.(Prober)
		if !ok {
			return src, nil
		}
		err := p.Probe(ctx)
		if err == nil {
			return src, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		tried = append(tried, fmt.Sprintf("%s: %v", src.Name(), err))
	}
	if len(tried) == 0 {
		return nil, ErrNoSource
	}
	return nil, fmt.Errorf("%w (%s)", ErrNoSource, strings.Join(tried, "; "))
}
