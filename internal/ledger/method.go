package ledger

import (
	"fmt"
	"strings"
)

// CostBasisMethod selects how open lots are valued.
type CostBasisMethod int

const (
	// FIFO keeps one lot per BUY; SELLs consume the oldest lots first.
	FIFO CostBasisMethod = iota
	// WeightedAverage keeps a single lot priced at the running average cost.
	WeightedAverage
)

func (m CostBasisMethod) String() string {
	switch m {
	case FIFO:
		return "FIFO"
	case WeightedAverage:
		return "WEIGHTED_AVERAGE"
	default:
		return "unknown"
	}
}

// ParseCostBasisMethod accepts FIFO, WEIGHTED_AVERAGE and the short form "average", case-insensitively.
func ParseCostBasisMethod(s string) (CostBasisMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FIFO", "":
		return FIFO, nil
	case "WEIGHTED_AVERAGE", "AVERAGE", "AVG":
		return WeightedAverage, nil
	default:
		return 0, fmt.Errorf("unknown cost basis method: %q", s)
	}
}
