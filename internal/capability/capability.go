// Package capability is the read-only cloud inspection surface handed to
// sandboxed code.
//
// A Set maps symbolic names (compute, containers, database, metrics, logs,
// identity) to Clients. Each Client wraps a narrow interface over an AWS SDK
// client that declares only Describe, List and Get operations, so nothing
// reachable from a Set can mutate infrastructure. Sets are immutable and
// built fresh for every invocation.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"unicode"
	"unicode/utf8"
)

// Method is one callable inspection operation. params is decoded into the
// SDK input struct; the result is the SDK output as plain JSON-shaped values.
type Method func(ctx context.Context, params map[string]any) (any, error)

// Client is a named group of inspection methods.
type Client struct {
	name    string
	methods map[string]Method
}

// Name returns the client's symbolic name.
func (c *Client) Name() string { return c.name }

// Methods returns the client's method names, sorted.
func (c *Client) Methods() []string {
	names := make([]string, 0, len(c.methods))
	for n := range c.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Method returns the named method.
func (c *Client) Method(name string) (Method, bool) {
	m, ok := c.methods[name]
	return m, ok
}

// Call invokes a method by name.
func (c *Client) Call(ctx context.Context, name string, params map[string]any) (any, error) {
	m, ok := c.methods[name]
	if !ok {
		return nil, fmt.Errorf("capability: %s has no method %q", c.name, name)
	}
	return m(ctx, params)
}

// Set is an immutable collection of clients bound to one region.
type Set struct {
	region  string
	clients map[string]*Client
}

// Region returns the region every client in the set is bound to.
func (s *Set) Region() string {
	if s == nil {
		return ""
	}
	return s.region
}

// Names returns the client names, sorted.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.clients))
	for n := range s.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Client returns the named client.
func (s *Set) Client(name string) (*Client, bool) {
	if s == nil {
		return nil, false
	}
	c, ok := s.clients[name]
	return c, ok
}

// Describe lists every callable as "client.method", sorted. The planner
// receives this list.
func (s *Set) Describe() []string {
	var out []string
	for _, n := range s.Names() {
		for _, m := range s.clients[n].Methods() {
			out = append(out, n+"."+m)
		}
	}
	return out
}

// NewClient builds a client from explicit methods. Method names are used
// verbatim.
func NewClient(name string, methods map[string]Method) *Client {
	cp := make(map[string]Method, len(methods))
	for k, v := range methods {
		cp[k] = v
	}
	return &Client{name: name, methods: cp}
}

// NewStaticSet builds a set from prebuilt clients.
func NewStaticSet(region string, clients ...*Client) *Set {
	s := &Set{region: region, clients: make(map[string]*Client, len(clients))}
	for _, c := range clients {
		s.clients[c.name] = c
	}
	return s
}

// bind adapts an SDK operation to a Method. Params round-trip through JSON
// into the input struct (field matching is case-insensitive, so
// {"instanceIds": [...]} fills InstanceIds).
func bind[In, Out, Opt any](fn func(context.Context, *In, ...func(*Opt)) (*Out, error)) Method {
	return func(ctx context.Context, params map[string]any) (any, error) {
		in := new(In)
		if len(params) > 0 {
			raw, err := json.Marshal(params)
			if err != nil {
				return nil, fmt.Errorf("encode params: %w", err)
			}
			if err := json.Unmarshal(raw, in); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return toPlain(out)
	}
}

func toPlain(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	var plain any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if m, ok := plain.(map[string]any); ok {
		delete(m, "ResultMetadata")
	}
	return plain, nil
}

// jsName lowercases the first rune: DescribeInstances -> describeInstances.
func jsName(goName string) string {
	r, size := utf8.DecodeRuneInString(goName)
	return string(unicode.ToLower(r)) + goName[size:]
}
