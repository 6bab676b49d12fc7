package repository

import (
	"context"
	"fmt"
	"time"
)

// ApplySchema runs the DDL statements in order, stopping at the first failure
func ApplySchema(ctx context.Context, exec func(ctx context.Context, stmt string) error, statements []string) error {
	for i, stmt := range statements {
		if err := exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

// PartitionPlan lists every (table, day) pair from today through days ahead
type PartitionPlan struct {
	Table string
	Day   time.Time
}

func PlanPartitions(from time.Time, days int) []PartitionPlan {
	if days < 0 {
		days = 0
	}
	out := make([]PartitionPlan, 0, len(PartitionedTables)*(days+1))
	for d := 0; d <= days; d++ {
		day := from.AddDate(0, 0, d)
		for _, table := range PartitionedTables {
			out = append(out, PartitionPlan{Table: table, Day: day})
		}
	}
	return out
}

// CreatePartitions ensures every planned partition exists, calling step after
// each one
func CreatePartitions(ctx context.Context, w Writer, plan []PartitionPlan, step func()) error {
	for _, p := range plan {
		if err := w.EnsurePartition(ctx, p.Table, p.Day); err != nil {
			return err
		}
		if step != nil {
			step()
		}
	}
	return nil
}
