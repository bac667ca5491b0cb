package mcp

import (
	"maps"
	"slices"
)

// Transport kinds accepted in a ServerSpec.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportTCP   = "tcp"
)

// ServerSpec identifies a tool server and how to reach it. Name is the
// server identity; two specs with the same Name and different fields
// describe an edited server.
type ServerSpec struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	URL       string            `json:"url,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       []string          `json:"env,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Equal reports whether two specs connect the same way.
func (s ServerSpec) Equal(o ServerSpec) bool {
	return s.Name == o.Name &&
		s.Transport == o.Transport &&
		s.URL == o.URL &&
		s.Command == o.Command &&
		slices.Equal(s.Args, o.Args) &&
		slices.Equal(s.Env, o.Env) &&
		maps.Equal(s.Headers, o.Headers)
}
