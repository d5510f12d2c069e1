package descriptor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/mattn/go-shellwords"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format is an on-disk encoding of a descriptor set.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	// FormatJS is the object-literal subset of pm2 ecosystem.config.js files.
	FormatJS Format = "js"
)

// ParseFormat accepts a format name or a file extension.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "toml":
		return FormatTOML, nil
	case "js", "cjs", "mjs":
		return FormatJS, nil
	}
	return "", fmt.Errorf("%q: %w", s, ErrUnknownFormat)
}

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	return ParseFormat(filepath.Ext(path))
}

// Marshal encodes a set. The js format is read-only and encodes as json.
func Marshal(s Set, f Format) ([]byte, error) {
	switch f {
	case FormatJSON, FormatJS:
		b, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatTOML:
		return toml.Marshal(s)
	}
	return nil, fmt.Errorf("%q: %w", f, ErrUnknownFormat)
}

// Unmarshal decodes and validates a set.
func Unmarshal(data []byte, f Format) (Set, error) {
	s, err := Decode(data, f)
	if err != nil {
		return Set{}, err
	}
	if err := s.Validate(); err != nil {
		return Set{}, err
	}
	return s, nil
}

// Decode parses data without validating it. The document may be an object with
// an "apps" list, a bare list of apps, or a single app object.
func Decode(data []byte, f Format) (Set, error) {
	raw, err := parseRaw(data, f)
	if err != nil {
		return Set{}, fmt.Errorf("parse %s: %w", f, err)
	}
	apps, err := appList(raw)
	if err != nil {
		return Set{}, err
	}
	var s Set
	if err := decodeApps(apps, &s.Apps); err != nil {
		return Set{}, err
	}
	return s, nil
}

func parseRaw(data []byte, f Format) (any, error) {
	var raw any
	switch f {
	case FormatJSON:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	case FormatTOML:
		m := map[string]any{}
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		raw = m
	case FormatJS:
		lit, err := objectLiteral(data)
		if err != nil {
			return nil, err
		}
		doc, err := jsonLiteral(lit)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(doc, &raw); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%q: %w", f, ErrUnknownFormat)
	}
	return raw, nil
}

func appList(raw any) ([]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	case map[string]any:
		if apps, ok := v["apps"]; ok {
			switch list := apps.(type) {
			case []any:
				return list, nil
			case map[string]any:
				return []any{list}, nil
			case nil:
				return nil, nil
			}
			return nil, fmt.Errorf("apps: expected a list, got %T", apps)
		}
		if len(v) == 0 {
			return nil, nil
		}
		return []any{v}, nil
	}
	return nil, fmt.Errorf("unexpected document type %T", raw)
}

// decodeApps binds raw app maps to descriptors. Unknown keys are errors and
// empty collections decode to nil so a decoded set marshals back to itself.
func decodeApps(in []any, out *[]Descriptor) error {
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			wordsHook,
			execModeHook,
			scalarStringHook,
			countHook,
			integralHook,
		),
		Metadata: &md,
		Result:   out,
		TagName:  "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("decode apps: %w", err)
	}
	if len(md.Unused) > 0 {
		keys := make([]string, 0, len(md.Unused))
		for _, k := range md.Unused {
			keys = append(keys, "apps"+k)
		}
		sort.Strings(keys)
		return fmt.Errorf("%w: %s", ErrUnknownField, strings.Join(keys, ", "))
	}
	for i := range *out {
		d := &(*out)[i]
		if len(d.Args) == 0 {
			d.Args = nil
		}
		if len(d.Env) == 0 {
			d.Env = nil
		}
		if len(d.IgnoreWatch) == 0 {
			d.IgnoreWatch = nil
		}
	}
	return nil
}

var stringSliceType = reflect.TypeOf([]string(nil))

// wordsHook splits a single string into shell words where a list is expected,
// so `args: "-m streamlit run app.py"` yields each argument verbatim.
func wordsHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != stringSliceType {
		return data, nil
	}
	words, err := shellwords.Parse(data.(string))
	if err != nil {
		return nil, fmt.Errorf("split %q: %w", data, err)
	}
	return words, nil
}

func execModeHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(ExecMode("")) {
		return data, nil
	}
	s := strings.ToLower(strings.TrimSpace(data.(string)))
	return ExecMode(strings.TrimSuffix(s, "_mode")), nil
}

// scalarStringHook renders scalars bound for string fields the way they were
// written: PORT: 3001 becomes "3001" and true becomes "true".
func scalarStringHook(from, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.String {
		return data, nil
	}
	switch v := data.(type) {
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	}
	return data, nil
}

// countHook accepts numeric strings for integer fields; "max" means one per CPU.
func countHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	switch to.Kind() {
	case reflect.Int, reflect.Int64:
	default:
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	if strings.EqualFold(s, "max") {
		return runtime.NumCPU(), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w, got %q", ErrNotInteger, s)
	}
	return n, nil
}

// integralHook rejects fractional numbers bound for integer fields instead of
// truncating them.
func integralHook(from, to reflect.Type, data any) (any, error) {
	switch to.Kind() {
	case reflect.Int, reflect.Int64:
	default:
		return data, nil
	}
	var f float64
	switch v := data.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	default:
		return data, nil
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w, got %v", ErrNotInteger, f)
	}
	return int64(f), nil
}
