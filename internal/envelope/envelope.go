package envelope

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
)

// StateReturn is the per-target payload of a salt state/function return.
type StateReturn struct {
	Result   *bool                  `json:"result" yaml:"result"`
	Comment  string                 `json:"comment" yaml:"comment"`
	Changes  map[string]interface{} `json:"changes" yaml:"changes"`
	Warnings []string               `json:"warnings" yaml:"warnings"`
}

// Return is the envelope the salt daemons hand back for a dispatched
// command: one StateReturn per responding target id.
type Return map[string]StateReturn

// Decode parses a JSON return envelope as produced by `salt --out=json`.
func Decode(data []byte) (Return, error) {
	var ret Return
	if err := json.Unmarshal(data, &ret); err != nil {
		return nil, fmt.Errorf("failed to decode salt return: %w", err)
	}
	return ret, nil
}

// targets returns the target ids in deterministic order.
func (r Return) targets() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NonEmpty fails unless the envelope holds at least one target return.
func NonEmpty(ret Return) error {
	if ret == nil {
		return fmt.Errorf("nil is not a salt return dictionary")
	}
	if len(ret) == 0 {
		return fmt.Errorf("salt returned an empty dictionary")
	}
	return nil
}

// lookup walks a key path inside a single target's return. The first path
// element names one of the envelope fields; any further elements descend
// into nested Changes maps.
func lookup(part StateReturn, path []string) (interface{}, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("an empty key path was given")
	}

	var current interface{}
	switch path[0] {
	case "result":
		if part.Result == nil {
			current = nil
		} else {
			current = *part.Result
		}
	case "comment":
		current = part.Comment
	case "warnings":
		current = part.Warnings
	case "changes":
		current = part.Changes
	default:
		return nil, pathError(path, part)
	}

	for _, key := range path[1:] {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, pathError(path, part)
		}
		current, ok = m[key]
		if !ok {
			return nil, pathError(path, part)
		}
	}
	return current, nil
}

func pathError(path []string, part StateReturn) error {
	var quoted []string
	for _, key := range path {
		quoted = append(quoted, fmt.Sprintf("[%q]", key))
	}
	return fmt.Errorf("could not get ret%s from salt's return: %+v",
		strings.Join(quoted, ""), part)
}

// each applies fn to every target's return, failing on the first error.
func each(ret Return, fn func(id string, part StateReturn) error) error {
	if err := NonEmpty(ret); err != nil {
		return err
	}
	for _, id := range ret.targets() {
		if err := fn(id, ret[id]); err != nil {
			return err
		}
	}
	return nil
}

// TrueReturn fails unless every target reports result == true.
func TrueReturn(ret Return) error {
	return each(ret, func(id string, part StateReturn) error {
		value, err := lookup(part, []string{"result"})
		if err != nil {
			return err
		}
		if value != true {
			return fmt.Errorf("%v is not true for %s. Salt comment:\n%s", value, id, part.Comment)
		}
		return nil
	})
}

// FalseReturn fails unless every target reports result == false.
func FalseReturn(ret Return) error {
	return each(ret, func(id string, part StateReturn) error {
		value, err := lookup(part, []string{"result"})
		if err != nil {
			return err
		}
		if value != false {
			return fmt.Errorf("%v is not false for %s. Salt comment:\n%s", value, id, part.Comment)
		}
		return nil
	})
}

// NoneReturn fails unless every target reports a null result.
func NoneReturn(ret Return) error {
	return each(ret, func(id string, part StateReturn) error {
		value, err := lookup(part, []string{"result"})
		if err != nil {
			return err
		}
		if value != nil {
			return fmt.Errorf("%v is not none for %s. Salt comment:\n%s", value, id, part.Comment)
		}
		return nil
	})
}

// InComment fails unless every target's comment contains the substring.
func InComment(substring string, ret Return) error {
	return each(ret, func(id string, part StateReturn) error {
		if !strings.Contains(part.Comment, substring) {
			return fmt.Errorf("%q not found in comment for %s: %q", substring, id, part.Comment)
		}
		return nil
	})
}

// NotInComment fails if any target's comment contains the substring.
func NotInComment(substring string, ret Return) error {
	return each(ret, func(id string, part StateReturn) error {
		if strings.Contains(part.Comment, substring) {
			return fmt.Errorf("%q unexpectedly found in comment for %s: %q", substring, id, part.Comment)
		}
		return nil
	})
}

// CommentMatches fails unless every target's comment matches the pattern.
func CommentMatches(ret Return, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return each(ret, func(id string, part StateReturn) error {
		if !re.MatchString(part.Comment) {
			return fmt.Errorf("comment for %s does not match %q: %q", id, pattern, part.Comment)
		}
		return nil
	})
}

// InWarnings fails unless every target carries the given warning.
func InWarnings(warning string, ret Return) error {
	return each(ret, func(id string, part StateReturn) error {
		for _, w := range part.Warnings {
			if strings.Contains(w, warning) {
				return nil
			}
		}
		return fmt.Errorf("%q not found in warnings for %s: %v", warning, id, part.Warnings)
	})
}

// NotInWarnings fails if any target carries the given warning.
func NotInWarnings(warning string, ret Return) error {
	return each(ret, func(id string, part StateReturn) error {
		for _, w := range part.Warnings {
			if strings.Contains(w, warning) {
				return fmt.Errorf("%q unexpectedly found in warnings for %s", warning, id)
			}
		}
		return nil
	})
}

// In fails unless the value at the key path contains item on every target.
// Containment is substring match for strings, element equality for slices
// and key presence for maps.
func In(item interface{}, ret Return, path ...string) error {
	return each(ret, func(id string, part StateReturn) error {
		value, err := lookup(part, path)
		if err != nil {
			return err
		}
		if !contains(value, item) {
			return fmt.Errorf("%v not found within %v for %s", item, value, id)
		}
		return nil
	})
}

// NotIn is the negation of In.
func NotIn(item interface{}, ret Return, path ...string) error {
	return each(ret, func(id string, part StateReturn) error {
		value, err := lookup(part, path)
		if err != nil {
			return err
		}
		if contains(value, item) {
			return fmt.Errorf("%v unexpectedly found within %v for %s", item, value, id)
		}
		return nil
	})
}

// Matches fails unless the string value at the key path matches pattern.
func Matches(ret Return, pattern string, path ...string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return each(ret, func(id string, part StateReturn) error {
		value, err := lookup(part, path)
		if err != nil {
			return err
		}
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("value at %v for %s is %T, not a string", path, id, value)
		}
		if !re.MatchString(s) {
			return fmt.Errorf("%q does not match %q for %s", s, pattern, id)
		}
		return nil
	})
}

// StateChangesEqual fails unless the changes at the key path (rooted under
// "changes") deep-equal comparison on every target.
func StateChangesEqual(ret Return, comparison interface{}, path ...string) error {
	full := append([]string{"changes"}, path...)
	return each(ret, func(id string, part StateReturn) error {
		value, err := lookup(part, full)
		if err != nil {
			return err
		}
		if !reflect.DeepEqual(value, comparison) {
			return fmt.Errorf("changes for %s are %v, expected %v", id, value, comparison)
		}
		return nil
	})
}

// StateChangesNotEqual is the negation of StateChangesEqual.
func StateChangesNotEqual(ret Return, comparison interface{}, path ...string) error {
	full := append([]string{"changes"}, path...)
	return each(ret, func(id string, part StateReturn) error {
		value, err := lookup(part, full)
		if err != nil {
			return err
		}
		if reflect.DeepEqual(value, comparison) {
			return fmt.Errorf("changes for %s unexpectedly equal %v", id, comparison)
		}
		return nil
	})
}

func contains(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case []string:
		for _, item := range h {
			if item == needle {
				return true
			}
		}
	case []interface{}:
		for _, item := range h {
			if reflect.DeepEqual(item, needle) {
				return true
			}
		}
	case map[string]interface{}:
		key, ok := needle.(string)
		if !ok {
			return false
		}
		_, present := h[key]
		return present
	}
	return false
}
