package transform

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	ferrors "github.com/foresight/foresight/internal/errors"
	"github.com/foresight/foresight/pkg/types"
)

// Apply validates and coerces a batch of raw records into a feature
// snapshot. The output is deterministic and order-preserving: the same
// batch and rules always produce the same snapshot, with ID and
// CreatedAt left for the feature store to assign.
//
// Rows failing a rule are dropped and counted. When the dropped share
// exceeds rules.MaxDropRatio the whole batch fails with
// DATA_QUALITY_EXCEEDED rather than producing a degraded snapshot.
func Apply(dataset string, records []types.RawRecord, rules RuleSet) (*types.FeatureSnapshot, error) {
	rows := make([]types.FeatureRow, 0, len(records))
	lastSeen := make(map[string]float64)
	var dropped int64

	for _, rec := range records {
		row, ok := applyRow(rec, rules, lastSeen)
		if !ok {
			dropped++
			continue
		}
		rows = append(rows, row)
	}

	capOutliers(rows, rules)

	total := int64(len(records))
	if total > 0 {
		ratio := float64(dropped) / float64(total)
		if ratio > rules.MaxDropRatio {
			return nil, ferrors.NewTransformError(ferrors.CodeDataQualityExceeded,
				fmt.Sprintf("dataset %q: dropped %d of %d rows (%.1f%% > %.1f%% allowed)",
					dataset, dropped, total, ratio*100, rules.MaxDropRatio*100)).
				WithDetails(map[string]interface{}{
					"dataset":      dataset,
					"dropped_rows": dropped,
					"total_rows":   total,
				})
		}
	}

	return &types.FeatureSnapshot{
		Dataset:     dataset,
		Rows:        rows,
		DroppedRows: dropped,
	}, nil
}

// applyRow coerces one record. lastSeen carries forward-fill state
// across the batch, in order.
func applyRow(rec types.RawRecord, rules RuleSet, lastSeen map[string]float64) (types.FeatureRow, bool) {
	row := types.FeatureRow{
		Numeric: make(map[string]float64),
		Valid:   true,
	}

	for _, rule := range rules.Fields {
		value, present := rec.Fields[rule.Field]

		if !present || value == nil {
			if rule.ForwardFill {
				if prev, ok := lastSeen[rule.Field]; ok {
					row.Numeric[rule.Field] = prev
					continue
				}
			}
			if rule.Required {
				return types.FeatureRow{}, false
			}
			continue
		}

		kind := rule.Kind
		if kind == "" {
			kind = KindAuto
		}

		switch kind {
		case KindNumeric:
			n, ok := coerceNumeric(value)
			if !ok {
				return types.FeatureRow{}, false
			}
			if !inRange(n, rule) {
				return types.FeatureRow{}, false
			}
			row.Numeric[rule.Field] = n
			lastSeen[rule.Field] = n

		case KindCategorical:
			if row.Categorical == nil {
				row.Categorical = make(map[string]string)
			}
			row.Categorical[rule.Field] = coerceString(value)

		default: // KindAuto
			if n, ok := coerceNumeric(value); ok {
				if !inRange(n, rule) {
					return types.FeatureRow{}, false
				}
				row.Numeric[rule.Field] = n
				lastSeen[rule.Field] = n
			} else {
				if row.Categorical == nil {
					row.Categorical = make(map[string]string)
				}
				row.Categorical[rule.Field] = coerceString(value)
			}
		}
	}

	return row, true
}

// inRange checks explicit bounds. Fields with CapOutliers are clipped
// later instead of dropped here.
func inRange(v float64, rule FieldRule) bool {
	if rule.CapOutliers {
		return true
	}
	if rule.Min != nil && v < *rule.Min {
		return false
	}
	if rule.Max != nil && v > *rule.Max {
		return false
	}
	return true
}

// capOutliers clips CapOutliers fields to the Tukey fences computed
// over the surviving batch.
func capOutliers(rows []types.FeatureRow, rules RuleSet) {
	for _, rule := range rules.Fields {
		if !rule.CapOutliers {
			continue
		}

		values := make([]float64, 0, len(rows))
		for _, row := range rows {
			if v, ok := row.Numeric[rule.Field]; ok {
				values = append(values, v)
			}
		}
		if len(values) < 4 {
			continue
		}

		sort.Float64s(values)
		q1 := stat.Quantile(0.25, stat.Empirical, values, nil)
		q3 := stat.Quantile(0.75, stat.Empirical, values, nil)
		iqr := q3 - q1
		lo := q1 - 1.5*iqr
		hi := q3 + 1.5*iqr

		for i := range rows {
			v, ok := rows[i].Numeric[rule.Field]
			if !ok {
				continue
			}
			if v < lo {
				rows[i].Numeric[rule.Field] = lo
			} else if v > hi {
				rows[i].Numeric[rule.Field] = hi
			}
		}
	}
}
