package cachestore

import (
	"fmt"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
)

const (
	methodSeparator = " "
	varySeparator   = "\n"
	fieldSeparator  = ": "
)

type varyField struct {
	name  string
	value string
}

// Key is the normalized identity of a cacheable request: method, absolute
// URL and the values of the declared vary headers. The zero Key is invalid.
// Keys are immutable; two requests with equal keys are interchangeable.
type Key struct {
	method string
	url    string
	vary   []varyField
}

// NewKey normalizes a request into a Key. rawURL must be absolute. Only the
// headers named in vary take part in the identity; names are matched case
// insensitively and missing headers contribute an empty value.
func NewKey(method, rawURL string, h http.Header, vary []string) (Key, error) {
	u, err := normalizeURL(rawURL)
	if err != nil {
		return Key{}, err
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}

	names := make([]string, 0, len(vary))
	seen := map[string]struct{}{}
	for _, n := range vary {
		n = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}
	sort.Strings(names)

	var fields []varyField
	for _, n := range names {
		fields = append(fields, varyField{
			name:  strings.ToLower(n),
			value: strings.Join(h.Values(n), ","),
		})
	}
	return Key{method: method, url: u, vary: fields}, nil
}

func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

func (k Key) Method() string { return k.method }

func (k Key) URL() string { return k.url }

// IsZero reports whether k was never constructed.
func (k Key) IsZero() bool { return k.url == "" }

// VaryValue returns the value recorded for the vary header name.
func (k Key) VaryValue(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, f := range k.vary {
		if f.name == name {
			return f.value, true
		}
	}
	return "", false
}

// String is the canonical encoding used as the storage key.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.method)
	b.WriteString(methodSeparator)
	b.WriteString(k.url)
	for _, f := range k.vary {
		b.WriteString(varySeparator)
		b.WriteString(f.name)
		b.WriteString(fieldSeparator)
		b.WriteString(f.value)
	}
	return b.String()
}

// ParseKey reverses Key.String.
func ParseKey(s string) (Key, error) {
	lines := strings.Split(s, varySeparator)
	method, u, found := strings.Cut(lines[0], methodSeparator)
	if !found || method == "" || u == "" {
		return Key{}, fmt.Errorf("malformed key: %q", s)
	}
	k := Key{method: method, url: u}
	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, fieldSeparator)
		if !found {
			return Key{}, fmt.Errorf("malformed vary field %q in key", line)
		}
		k.vary = append(k.vary, varyField{name: name, value: value})
	}
	return k, nil
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// GobEncode stores the key in its canonical string form.
func (k Key) GobEncode() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) GobDecode(b []byte) error {
	if len(b) == 0 {
		*k = Key{}
		return nil
	}
	return k.UnmarshalText(b)
}
