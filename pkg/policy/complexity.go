package policy

import "encoding/json"

// Complexity weights. The score grows with argument count, nesting depth
// and serialized size so that wide, deep or bulky requests trip the limit.
const (
	weightPerArgument  = 5
	weightPerDepth     = 10
	bytesPerScorePoint = 20
)

// ComplexityScore rates an argument map. Scores are deterministic for a
// given map, independent of key order.
func ComplexityScore(args map[string]interface{}) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return 0, err
	}
	depth := valueDepth(args)
	return len(args)*weightPerArgument + depth*weightPerDepth + len(raw)/bytesPerScorePoint, nil
}

func valueDepth(v interface{}) int {
	switch t := v.(type) {
	case map[string]interface{}:
		max := 0
		for _, vv := range t {
			if d := valueDepth(vv); d > max {
				max = d
			}
		}
		return max + 1
	case []interface{}:
		max := 0
		for _, vv := range t {
			if d := valueDepth(vv); d > max {
				max = d
			}
		}
		return max + 1
	default:
		return 0
	}
}
