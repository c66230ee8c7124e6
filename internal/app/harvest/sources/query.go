// Package sources holds what the concrete harvest sources share: rendering
// a task's labels into the query a source sends upstream.
package sources

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/ahrav/harvester/internal/domain/grid"
)

// QueryData is what a query template sees for one task.
type QueryData struct {
	Dim1 string
	Dim2 string
}

var funcs = template.FuncMap{
	// json renders v as a JSON literal, so labels can be spliced into JSON
	// templates safely.
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	},
	"join": strings.Join,
}

// Query renders task labels through a text/template.
type Query struct {
	tmpl *template.Template
}

// ParseQuery compiles text. Missing keys are an error rather than "<no value>".
func ParseQuery(name, text string) (*Query, error) {
	t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s template: %w", name, err)
	}
	return &Query{tmpl: t}, nil
}

// Render executes the template for task.
func (q *Query) Render(task grid.Task) (string, error) {
	var buf bytes.Buffer
	if err := q.tmpl.Execute(&buf, QueryData{Dim1: task.Dim1(), Dim2: task.Dim2()}); err != nil {
		return "", fmt.Errorf("render %s for task %s: %w", q.tmpl.Name(), task, err)
	}
	return buf.String(), nil
}

// RenderJSON executes the template and compacts the result, failing if it
// is not valid JSON.
func (q *Query) RenderJSON(task grid.Task) (string, error) {
	s, err := q.Render(task)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return "", fmt.Errorf("%s for task %s is not valid JSON: %w", q.tmpl.Name(), task, err)
	}
	return buf.String(), nil
}
