// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package nfconfig renders Nextflow configuration files.

A config is a nested Map. Rendering walks it in sorted key order and emits
the curly-brace grammar Nextflow reads:

	aws {
		batch {
			cliPath = '/miniconda/bin/aws'
			volumes = ['/resource', '/nextflow']
		}
		region = 'us-west-1'
	}
	workDir = '/nextflow/work'

Indentation is one TAB per level. Strings are single-quoted, booleans are
lower-case, numbers print in their shortest form.
*/
package nfconfig

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Map is a Nextflow config scope: keys map to scalars, lists or nested Maps.
type Map = map[string]any

// ErrUnsupportedType is returned when a value cannot be rendered.
var ErrUnsupportedType = errors.New("unsupported config value type")

// Write renders cfg to w.
//
// # Description
//
// Keys are emitted in byte-wise sorted order at every level. A nested map
// emits "key {", its children one level deeper, then "}" at the parent's
// indentation. Every other value emits "key = <literal>".
//
// # Outputs
//
//   - error: ErrUnsupportedType (wrapped, naming the dotted key path) for
//     values such as structs, channels or maps with non-string keys; or the
//     first write error from w
func Write(w io.Writer, cfg Map) error {
	bw := bufio.NewWriter(w)
	if err := writeScope(bw, cfg, 0, ""); err != nil {
		return err
	}
	return bw.Flush()
}

// Render returns the rendered config as a string.
func Render(cfg Map) (string, error) {
	var sb strings.Builder
	if err := Write(&sb, cfg); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// WriteFile renders cfg to path atomically. The parent directory is
// created if needed. Nothing is written when rendering fails.
func WriteFile(path string, cfg Map) error {
	content, err := Render(cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}

func writeScope(w *bufio.Writer, scope map[string]any, depth int, prefix string) error {
	keys := make([]string, 0, len(scope))
	for k := range scope {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	indent := strings.Repeat("\t", depth)
	for _, key := range keys {
		path := joinPath(prefix, key)
		value := scope[key]

		if nested, ok := asMap(value); ok {
			if _, err := fmt.Fprintf(w, "%s%s {\n", indent, key); err != nil {
				return err
			}
			if err := writeScope(w, nested, depth+1, path); err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "%s}\n", indent); err != nil {
				return err
			}
			continue
		}

		literal, err := formatValue(value, path)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s%s = %s\n", indent, key, literal); err != nil {
			return err
		}
	}
	return nil
}

// asMap reports whether v is a string-keyed map and returns it as one.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

// formatValue renders a scalar or list literal.
func formatValue(v any, path string) (string, error) {
	switch x := v.(type) {
	case nil:
		return "null", nil
	case string:
		return quote(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return formatFloat(x, 64, path)
	case fmt.Stringer:
		return quote(x.String()), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Float32:
		return formatFloat(rv.Float(), 32, path)
	case reflect.Float64:
		return formatFloat(rv.Float(), 64, path)
	case reflect.String:
		return quote(rv.String()), nil
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool()), nil
	case reflect.Slice, reflect.Array:
		items := make([]string, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item := rv.Index(i).Interface()
			if _, isMap := asMap(item); isMap {
				return "", fmt.Errorf("%w: map inside list at %q", ErrUnsupportedType, fmt.Sprintf("%s[%d]", path, i))
			}
			s, err := formatValue(item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return "", err
			}
			items[i] = s
		}
		return "[" + strings.Join(items, ", ") + "]", nil
	}
	return "", fmt.Errorf("%w: %T at %q", ErrUnsupportedType, v, path)
}

// formatFloat rejects NaN and infinities, which have no Groovy literal.
func formatFloat(f float64, bits int, path string) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: non-finite float %v at %q", ErrUnsupportedType, f, path)
	}
	return strconv.FormatFloat(f, 'f', -1, bits), nil
}

var quoteReplacer = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// quote renders s as a single-quoted Groovy string.
func quote(s string) string {
	return "'" + quoteReplacer.Replace(s) + "'"
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
