package router

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"offline0/internal/fetch"
)

// Predicate decides whether a route applies to a request. Predicates must be
// pure: routing is a function of the request and the route list only.
type Predicate func(req *fetch.Request) bool

type matcher interface {
	match(u *url.URL) bool
}

type pathPrefixMatcher struct{ prefix string }

func (m pathPrefixMatcher) match(u *url.URL) bool { return strings.HasPrefix(u.Path, m.prefix) }

type pathMatcher struct{ path string }

func (m pathMatcher) match(u *url.URL) bool { return u.Path == m.path }

type suffixMatcher struct{ suffix string }

func (m suffixMatcher) match(u *url.URL) bool { return strings.HasSuffix(u.Path, m.suffix) }

type hostMatcher struct{ host string }

func (m hostMatcher) match(u *url.URL) bool { return strings.EqualFold(u.Hostname(), m.host) }

type regexpMatcher struct{ re *regexp.Regexp }

func (m regexpMatcher) match(u *url.URL) bool { return m.re.MatchString(u.RequestURI()) }

type anyMatcher struct{}

func (anyMatcher) match(*url.URL) bool { return true }

// ParseMatch compiles a match expression into a predicate. The expression is
// one or more terms joined by "|", any of which may match:
//
//	PathPrefix(/static/) | Suffix(.png) | Host(cdn.example.com)
//	Path(/offline.html)
//	Regexp(^/api/v[0-9]+/)
//	*
func ParseMatch(expr string) (Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := splitTerms(expr)
	ms := make([]matcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		m, err := parseTerm(p)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	if len(ms) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}

	return func(req *fetch.Request) bool {
		u, err := url.Parse(req.URL)
		if err != nil {
			return false
		}
		for _, m := range ms {
			if m.match(u) {
				return true
			}
		}
		return false
	}, nil
}

// splitTerms splits expr on "|" outside parentheses, so a regexp
// alternation inside a term stays part of that term. A backslash escapes the
// next character inside a term.
func splitTerms(expr string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '\\':
			if depth > 0 {
				i++
			}
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case '|':
			if depth == 0 {
				parts = append(parts, expr[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, expr[start:])
}

func parseTerm(p string) (matcher, error) {
	if p == "*" {
		return anyMatcher{}, nil
	}
	fn, arg, ok := strings.Cut(p, "(")
	if !ok || !strings.HasSuffix(arg, ")") {
		return nil, fmt.Errorf("malformed term %q", p)
	}
	arg = strings.TrimSpace(strings.TrimSuffix(arg, ")"))
	if arg == "" {
		return nil, fmt.Errorf("empty argument in %q", p)
	}

	switch strings.TrimSpace(fn) {
	case "PathPrefix":
		if !strings.HasPrefix(arg, "/") {
			return nil, fmt.Errorf("invalid prefix %q", arg)
		}
		return pathPrefixMatcher{prefix: arg}, nil
	case "Path":
		if !strings.HasPrefix(arg, "/") {
			return nil, fmt.Errorf("invalid path %q", arg)
		}
		return pathMatcher{path: arg}, nil
	case "Suffix":
		return suffixMatcher{suffix: arg}, nil
	case "Host":
		return hostMatcher{host: arg}, nil
	case "Regexp":
		re, err := regexp.Compile(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid regexp %q: %w", arg, err)
		}
		return regexpMatcher{re: re}, nil
	}
	return nil, fmt.Errorf("unknown matcher %q", fn)
}

// Methods restricts a predicate to the given HTTP methods.
func Methods(p Predicate, methods ...string) Predicate {
	if len(methods) == 0 {
		return p
	}
	allowed := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		allowed[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
	}
	return func(req *fetch.Request) bool {
		method := strings.ToUpper(req.Method)
		if method == "" {
			method = "GET"
		}
		if _, ok := allowed[method]; !ok {
			return false
		}
		return p(req)
	}
}
