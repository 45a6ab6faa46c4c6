// Package mimetype parses and formats content-type descriptors of the form
// type/[prefix.]subtype[+suffix][; param=value]*.
package mimetype

import (
	"errors"
	"fmt"
	"mime"
	"slices"
	"strings"
)

// Common content types used by chunks.
const (
	TextPlain       = "text/plain"
	ApplicationJSON = "application/json"
	AudioPCM        = "audio/pcm"
	OctetStream     = "application/octet-stream"
)

// ErrInvalid is returned when a string is not a valid media type.
var ErrInvalid = errors.New("mimetype: invalid media type")

// Type is a parsed media type.
//
// For "application/vnd.api+json; charset=utf-8" the fields are Type
// "application", Prefix "vnd", Subtype "api", Suffix "json" and Params
// {"charset": "utf-8"}.
type Type struct {
	Type    string
	Subtype string
	Prefix  string
	Suffix  string
	Params  map[string]string
}

// Parse parses s into a Type. Type, subtype and parameter names are
// lower-cased.
func Parse(s string) (Type, error) {
	full, params, err := mime.ParseMediaType(s)
	if err != nil {
		return Type{}, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	main, sub, ok := strings.Cut(full, "/")
	if !ok || main == "" || sub == "" {
		return Type{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	t := Type{Type: main}
	if i := strings.LastIndexByte(sub, '+'); i >= 0 {
		sub, t.Suffix = sub[:i], sub[i+1:]
	}
	if i := strings.IndexByte(sub, '.'); i >= 0 {
		t.Prefix, sub = sub[:i], sub[i+1:]
	}
	if sub == "" {
		return Type{}, fmt.Errorf("%w: %q: empty subtype", ErrInvalid, s)
	}
	t.Subtype = sub
	if len(params) > 0 {
		t.Params = params
	}
	return t, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Type {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Essence returns type/[prefix.]subtype[+suffix] without parameters.
func (t Type) Essence() string {
	var sb strings.Builder
	sb.WriteString(t.Type)
	sb.WriteByte('/')
	if t.Prefix != "" {
		sb.WriteString(t.Prefix)
		sb.WriteByte('.')
	}
	sb.WriteString(t.Subtype)
	if t.Suffix != "" {
		sb.WriteByte('+')
		sb.WriteString(t.Suffix)
	}
	return sb.String()
}

// String formats t. Parameters are written in sorted order so the result is
// stable.
func (t Type) String() string {
	if len(t.Params) == 0 {
		return t.Essence()
	}
	return mime.FormatMediaType(t.Essence(), t.Params)
}

// Param returns the named parameter.
func (t Type) Param(name string) (string, bool) {
	v, ok := t.Params[strings.ToLower(name)]
	return v, ok
}

// Match reports whether t matches pattern. The pattern may use "*" for the
// type or subtype, e.g. "audio/*" or "*/*". Parameters are ignored.
func (t Type) Match(pattern string) bool {
	main, sub, ok := strings.Cut(strings.ToLower(strings.TrimSpace(pattern)), "/")
	if !ok {
		return false
	}
	if i := strings.IndexByte(sub, ';'); i >= 0 {
		sub = strings.TrimSpace(sub[:i])
	}
	if main != "*" && main != t.Type {
		return false
	}
	if sub == "*" {
		return true
	}
	full := t.Essence()
	_, tsub, _ := strings.Cut(full, "/")
	return sub == tsub
}

// Is reports whether s parses and matches any of the patterns.
func Is(s string, patterns ...string) bool {
	t, err := Parse(s)
	if err != nil {
		return false
	}
	return slices.ContainsFunc(patterns, t.Match)
}
