// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// genids renders metrics.json into the metric ID constants of package metrics.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"go/format"
	"os"
	"text/template"
)

type metricDef struct {
	Description string `json:"description"`
	Name        string `json:"name"`
	ID          uint32 `json:"id"`
	Obsolete    bool   `json:"obsolete"`
}

var idsTemplate = template.Must(template.New("ids").Parse(`// Code generated from metrics.json. DO NOT EDIT.

package metrics

// To add a new metric append an entry to metrics.json. ONLY APPEND !
// Then run 'go generate ./metrics' from the top directory.

const (
	// IDInvalid marks metric IDs that were never set.
	IDInvalid = 0
{{range .Defs}}{{if not .Obsolete}}
	// {{.Description}}
	ID{{.Name}} = {{.ID}}
{{end}}{{end}}
	// IDMax bounds the metric IDs, keep this as *last entry*
	IDMax = {{.Max}}
)
`))

// validate enforces the append-only rule and returns the largest ID.
func validate(defs []metricDef) (uint32, error) {
	names := make(map[string]struct{}, len(defs))
	last := uint32(0)
	for _, d := range defs {
		if d.ID <= last {
			return 0, fmt.Errorf("metric %s: id %d must be greater than %d", d.Name, d.ID, last)
		}
		if _, dup := names[d.Name]; dup {
			return 0, fmt.Errorf("metric %s: duplicate name", d.Name)
		}
		names[d.Name] = struct{}{}
		last = d.ID
	}
	return last, nil
}

func run(in, out string) error {
	input, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	var defs []metricDef
	if err = json.Unmarshal(input, &defs); err != nil {
		return fmt.Errorf("parsing %s: %w", in, err)
	}
	maxID, err := validate(defs)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	err = idsTemplate.Execute(&buf, struct {
		Defs []metricDef
		Max  uint32
	}{defs, maxID + 1})
	if err != nil {
		return err
	}
	src, err := format.Source(buf.Bytes())
	if err != nil {
		return fmt.Errorf("formatting output: %w", err)
	}
	return os.WriteFile(out, src, 0o600)
}

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <metrics.json> <output.go>\n", os.Args[0])
		os.Exit(1)
	}
	if err := run(os.Args[1], os.Args[2]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
