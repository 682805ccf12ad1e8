// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package nfconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"
)

// ErrUnknownOverlayFormat is returned for overlay files whose extension is
// not .yaml, .yml, .json or .hcl.
var ErrUnknownOverlayFormat = errors.New("unknown overlay format")

// LoadOverlay reads a config overlay from path.
//
// # Description
//
// The format is chosen by extension:
//
//   - .yaml, .yml: YAML mapping
//   - .json: JSON object
//   - .hcl: HCL attributes and blocks; a block "process { ... }" becomes
//     a nested scope and block labels add further levels, so
//     process "withName:align" { cpus = 8 } nests under process
//
// Whole numbers decode to int, others to float64, so "maxErrors: 3"
// renders as 3 rather than 3.0.
//
// # Outputs
//
//   - Map: The overlay, ready for Merge
//   - error: Read, parse or ErrUnknownOverlayFormat errors
func LoadOverlay(path string) (Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read overlay: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return decodeYAML(data, path)
	case ".json":
		return decodeJSON(data, path)
	case ".hcl":
		return decodeHCL(data, path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOverlayFormat, path)
	}
}

// =============================================================================
// YAML / JSON
// =============================================================================

func decodeYAML(data []byte, path string) (Map, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out, _ := normalize(raw).(map[string]any)
	if out == nil {
		out = Map{}
	}
	return out, nil
}

func decodeJSON(data []byte, path string) (Map, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out, _ := normalize(raw).(map[string]any)
	if out == nil {
		out = Map{}
	}
	return out, nil
}

// normalize converts decoder output into renderable values: map[any]any
// becomes Map, json.Number and whole floats become int.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(Map, len(x))
		for k, item := range x {
			out[k] = normalize(item)
		}
		return out
	case map[any]any:
		out := make(Map, len(x))
		for k, item := range x {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalize(item)
		}
		return out
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i)
		}
		if f, err := x.Float64(); err == nil {
			return normalizeFloat(f)
		}
		return x.String()
	case float64:
		return normalizeFloat(x)
	default:
		return v
	}
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int(f)
	}
	return f
}

// =============================================================================
// HCL
// =============================================================================

func decodeHCL(data []byte, path string) (Map, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse %s: %s", path, diags.Error())
	}
	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return nil, fmt.Errorf("parse %s: unexpected body type %T", path, file.Body)
	}
	return bodyToMap(body)
}

func bodyToMap(body *hclsyntax.Body) (Map, error) {
	out := Map{}
	for name, attr := range body.Attributes {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("attribute %q: %s", name, diags.Error())
		}
		native, err := ctyToNative(val)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		out[name] = native
	}

	for _, block := range body.Blocks {
		inner, err := bodyToMap(block.Body)
		if err != nil {
			return nil, fmt.Errorf("block %q: %w", block.Type, err)
		}
		// Each label adds a level: a "b" { } is {a: {b: {...}}}.
		scope := out
		keys := append([]string{block.Type}, block.Labels...)
		for _, key := range keys[:len(keys)-1] {
			next, ok := scope[key].(map[string]any)
			if !ok {
				next = Map{}
				scope[key] = next
			}
			scope = next
		}
		last := keys[len(keys)-1]
		if existing, ok := scope[last].(map[string]any); ok {
			scope[last] = Merge(existing, inner)
		} else {
			scope[last] = inner
		}
	}
	return out, nil
}

// ctyToNative converts a cty.Value into the Go value the renderer expects.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return int(i), nil
			}
		}
		f, _ := bf.Float64()
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		items := make([]any, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}
			items = append(items, native)
		}
		return items, nil

	case ty.IsObjectType() || ty.IsMapType():
		m := Map{}
		it := v.ElementIterator()
		for it.Next() {
			key, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", key.AsString(), err)
			}
			m[key.AsString()] = native
		}
		return m, nil

	default:
		return nil, fmt.Errorf("unsupported HCL value type %s", ty.FriendlyName())
	}
}
