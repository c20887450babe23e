package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/adamwdraper/the-narrator/internal/model"
)

// filterTerm is one exact-match condition with its value pre-encoded as JSON.
type filterTerm struct {
	key   string
	value string
}

// encodeFilter sorts keys so generated SQL is stable.
func encodeFilter(filter map[string]any) ([]filterTerm, error) {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		if err := checkKey(k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	terms := make([]filterTerm, 0, len(keys))
	for _, k := range keys {
		v, err := json.Marshal(filter[k])
		if err != nil {
			return nil, &model.ValidationError{Field: "filter " + k, Reason: err.Error()}
		}
		terms = append(terms, filterTerm{key: k, value: string(v)})
	}
	return terms, nil
}

func checkKey(key string) error {
	if key == "" || strings.ContainsAny(key, `"\`) {
		return &model.ValidationError{Field: "filter key", Reason: fmt.Sprintf("%q is not a supported key", key)}
	}
	return nil
}

// matchTerms compares values through their JSON encoding, the same
// representation both backends persist. Decoded numbers are json.Number and
// compare by their exact text.
func matchTerms(values map[string]any, terms []filterTerm) bool {
	for _, term := range terms {
		v, ok := values[term.key]
		if !ok {
			return false
		}
		if n, isNumber := v.(json.Number); isNumber {
			if n.String() != term.value {
				return false
			}
			continue
		}
		encoded, err := json.Marshal(v)
		if err != nil || string(encoded) != term.value {
			return false
		}
	}
	return true
}

// unmarshalJSON decodes with UseNumber, which both backends rely on for
// lossless integer round-trips.
func unmarshalJSON(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(dst)
}
