package engine

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrUnrepairable means no structured data could be salvaged from a
// model response. The caller falls back to returning the raw text.
var ErrUnrepairable = errors.New("unrepairable model response")

var (
	fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")
	kvPairRe      = regexp.MustCompile(`"([^"]+)"\s*:\s*"([^"]*)"`)
	nestedObjRe   = regexp.MustCompile(`"([^"]+)"\s*:\s*\{([^{}]*)\}`)
	strArrayRe    = regexp.MustCompile(`"([^"]+)"\s*:\s*\[([^\[\]{}]*)\]`)
	quotedRe      = regexp.MustCompile(`"([^"]*)"`)
	digitsOnlyRe  = regexp.MustCompile(`^[0-9]+$`)
	nonAlnumRe    = regexp.MustCompile(`[^a-z0-9]+`)
)

// entityProximity is how close (in bytes of response text) a named field
// must sit to a numeric key to be folded into that entity.
const entityProximity = 500

// RepairJSON turns a model's free-form response into a JSON object.
// Well-formed JSON (bare or inside a fenced code block) passes through;
// anything else is salvaged with regex extraction: key/value pairs,
// one-level nested objects and string arrays, with duplicate keys
// coalesced into arrays and numeric keys grouped into an "entities"
// list. Applying RepairJSON to its own marshalled output is a no-op.
func RepairJSON(raw string) (map[string]any, error) {
	candidate := extractCandidate(raw)

	var m map[string]any
	if err := json.Unmarshal([]byte(candidate), &m); err == nil {
		return liftNumericKeys(m), nil
	}
	// Candidate extraction can truncate malformed text at a nested
	// closing brace, so salvage scans the full response.
	return salvage(raw)
}

// extractCandidate isolates the most JSON-looking span of the response.
func extractCandidate(raw string) string {
	if m := fencedBlockRe.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

// liftNumericKeys moves top-level numeric keys of a valid object into an
// "entities" array. Named keys are untouched, which keeps the transform
// idempotent.
func liftNumericKeys(m map[string]any) map[string]any {
	var entities []any
	for k, v := range m {
		if !digitsOnlyRe.MatchString(k) {
			continue
		}
		entity, ok := v.(map[string]any)
		if !ok {
			entity = map[string]any{"value": v}
		}
		entity["id"] = k
		entities = append(entities, entity)
		delete(m, k)
	}
	if len(entities) > 0 {
		existing, _ := m["entities"].([]any)
		m["entities"] = append(existing, entities...)
	}
	return m
}

type kvMatch struct {
	key string
	val string
	pos int
}

// salvage extracts structure from malformed text. Nested objects and
// arrays are consumed first so their inner pairs do not leak into the
// top level, then flat pairs are read off the remainder.
func salvage(text string) (map[string]any, error) {
	result := make(map[string]any)
	work := []byte(text)

	for _, idx := range nestedObjRe.FindAllSubmatchIndex(work, -1) {
		key := string(work[idx[2]:idx[3]])
		inner := string(work[idx[4]:idx[5]])
		sub := make(map[string]any)
		for _, kv := range kvPairRe.FindAllStringSubmatch(inner, -1) {
			sub[kv[1]] = kv[2]
		}
		if len(sub) > 0 {
			result[key] = sub
		}
		blank(work, idx[0], idx[1])
	}

	for _, idx := range strArrayRe.FindAllSubmatchIndex(work, -1) {
		key := string(work[idx[2]:idx[3]])
		inner := string(work[idx[4]:idx[5]])
		items := make([]any, 0, 4)
		for _, q := range quotedRe.FindAllStringSubmatch(inner, -1) {
			items = append(items, q[1])
		}
		result[key] = items
		blank(work, idx[0], idx[1])
	}

	var numeric, named []kvMatch
	for _, idx := range kvPairRe.FindAllSubmatchIndex(work, -1) {
		kv := kvMatch{
			key: string(work[idx[2]:idx[3]]),
			val: string(work[idx[4]:idx[5]]),
			pos: idx[0],
		}
		if digitsOnlyRe.MatchString(kv.key) {
			numeric = append(numeric, kv)
		} else {
			named = append(named, kv)
		}
	}

	if len(numeric) > 0 {
		entities := make([]any, 0, len(numeric))
		taken := make([]bool, len(named))
		for _, n := range numeric {
			entity := map[string]any{"id": n.key, "value": n.val}
			for i, f := range named {
				if taken[i] {
					continue
				}
				if abs(f.pos-n.pos) <= entityProximity {
					entity[normalizeFieldName(f.key)] = f.val
					taken[i] = true
				}
			}
			entities = append(entities, entity)
		}
		result["entities"] = entities

		remaining := named[:0]
		for i, f := range named {
			if !taken[i] {
				remaining = append(remaining, f)
			}
		}
		named = remaining
	}

	for _, f := range named {
		addCoalescing(result, f.key, f.val)
	}

	if len(result) == 0 {
		return nil, ErrUnrepairable
	}
	return result, nil
}

// addCoalescing inserts key=val, turning repeated keys into arrays.
func addCoalescing(m map[string]any, key string, val any) {
	prev, exists := m[key]
	if !exists {
		m[key] = val
		return
	}
	if arr, ok := prev.([]any); ok {
		m[key] = append(arr, val)
		return
	}
	m[key] = []any{prev, val}
}

// normalizeFieldName folds a label into snake_case ascii.
func normalizeFieldName(s string) string {
	s = strings.ToLower(s)
	s = nonAlnumRe.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

func blank(b []byte, from, to int) {
	for i := from; i < to; i++ {
		b[i] = ' '
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
