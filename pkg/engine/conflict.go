package engine

import "time"

// Resolver maps (source, target) snapshot pairs to a resolution under a
// selectable strategy. Resolution is a pure function: callers detect the
// conflict first via content-hash inequality and only then invoke Resolve.
type Resolver struct {
	defaultStrategy Strategy
}

// NewResolver creates a resolver with the given default strategy.
func NewResolver(defaultStrategy Strategy) *Resolver {
	if defaultStrategy == "" {
		defaultStrategy = StrategySourceWins
	}
	return &Resolver{defaultStrategy: defaultStrategy}
}

// Resolve returns the merged data for a conflicting (source, target)
// pair. An empty strategy selects the resolver's default. The manual
// strategy always fails with ErrManualResolutionRequired rather than
// silently choosing a side.
func (r *Resolver) Resolve(source, target map[string]any, strategy Strategy) (map[string]any, error) {
	if strategy == "" {
		strategy = r.defaultStrategy
	}

	switch strategy {
	case StrategySourceWins:
		return copyMap(source), nil
	case StrategyTargetWins:
		return copyMap(target), nil
	case StrategyMerge:
		merged := copyMap(target)
		for k, v := range source {
			merged[k] = v
		}
		merged["_merged_at"] = time.Now().UTC().Format(time.RFC3339)
		return merged, nil
	case StrategyManual:
		return nil, ErrManualResolutionRequired
	default:
		return nil, NewConfigError("unknown conflict resolution strategy: "+string(strategy), nil)
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
