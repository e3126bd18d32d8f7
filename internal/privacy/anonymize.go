// Package privacy is the single choke point through which wallet-level data
// leaves the engine. It decides per wallet and per reader whether data is
// withheld, anonymized or released in full.
package privacy

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
)

// Record is a loosely shaped wallet-level record on its way out of the engine
type Record = map[string]interface{}

const (
	// AnonymizedKey marks an output produced by Anonymize
	AnonymizedKey = "anonymized"
	// MetricsKey holds the surviving derived metrics
	MetricsKey = "metrics"
)

// identifying holds normalised field names that can tie a record to a wallet,
// its owner or its project
var identifying = map[string]struct{}{
	"id":                  {},
	"address":             {},
	"userid":              {},
	"projectid":           {},
	"walletid":            {},
	"walletaddress":       {},
	"ownerid":             {},
	"txid":                {},
	"counterpartyaddress": {},
	"buyerid":             {},
	"email":               {},
}

func normaliseKey(k string) string {
	return strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(k))
}

// IsIdentifying reports whether a field name identifies a wallet, user or project
func IsIdentifying(key string) bool {
	n := normaliseKey(key)
	if _, ok := identifying[n]; ok {
		return true
	}
	return strings.HasSuffix(n, "address")
}

// Anonymize strips identifying fields at every nesting level and returns the
// remaining values nested under "metrics" with an explicit anonymized marker.
// The input is not modified.
func Anonymize(record Record) Record {
	metrics := make(Record, len(record))
	for k, v := range record {
		if IsIdentifying(k) || k == AnonymizedKey {
			continue
		}
		// A record that is already shaped as {metrics: {...}} is flattened
		if k == MetricsKey {
			if inner, ok := scrub(v).(map[string]interface{}); ok {
				for ik, iv := range inner {
					metrics[ik] = iv
				}
				continue
			}
		}
		metrics[k] = scrub(v)
	}
	return Record{
		AnonymizedKey: true,
		MetricsKey:    metrics,
	}
}

// AnonymizeBatch anonymizes records one-to-one, preserving order
func AnonymizeBatch(records []Record) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = Anonymize(r)
	}
	return out
}

func strip(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if IsIdentifying(k) {
			continue
		}
		out[k] = scrub(v)
	}
	return out
}

func scrub(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return strip(val)
	case []map[string]interface{}:
		out := make([]interface{}, len(val))
		for i, m := range val {
			out[i] = strip(m)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = scrub(item)
		}
		return out
	default:
		switch reflect.ValueOf(v).Kind() {
		case reflect.Map, reflect.Struct, reflect.Slice, reflect.Array, reflect.Ptr, reflect.Interface, reflect.Chan, reflect.Func:
			return scrub(generic(v))
		default:
			return v
		}
	}
}

// generic re-reads a typed value through its JSON form so typed maps and
// tagged structs are stripped under the same field names they are written
// with. A value that cannot be encoded is withheld.
func generic(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil
	}
	return out
}
