package config

import (
	"reflect"
	"strings"
)

// yamlName reports struct fields by their yaml key in validation errors.
func yamlName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

// trimRoot drops the leading type name from a validator namespace
// ("Config.source.api.url" becomes "source.api.url").
func trimRoot(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
