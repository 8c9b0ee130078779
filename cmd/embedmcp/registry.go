package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcp "github.com/felixgeelhaar/embed-mcp"
	"github.com/felixgeelhaar/embed-mcp/config"
	"github.com/felixgeelhaar/embed-mcp/server"
)

type echoInput struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo back"`
}

type addInput struct {
	A float64 `json:"a" jsonschema:"required,description=First addend"`
	B float64 `json:"b" jsonschema:"required,description=Second addend"`
}

type timeInput struct {
	Zone string `json:"zone,omitempty" jsonschema:"description=IANA time zone such as Europe/Berlin; defaults to UTC"`
}

// newRegistry builds the demo server.
func newRegistry(cfg config.Config) *mcp.Server {
	srv := mcp.NewServerFromConfig(cfg)

	srv.Tool("echo").
		Description("Echo the input text").
		ReadOnly().
		Handler(func(_ context.Context, in echoInput) (string, error) {
			return in.Text, nil
		})

	srv.Tool("add").
		Description("Add two numbers").
		ReadOnly().
		Handler(func(_ context.Context, in addInput) (float64, error) {
			return in.A + in.B, nil
		})

	srv.Tool("time").
		Description("Current time in a time zone").
		ReadOnly().
		Handler(func(_ context.Context, in timeInput) (string, error) {
			zone := in.Zone
			if zone == "" {
				zone = "UTC"
			}
			loc, err := time.LoadLocation(zone)
			if err != nil {
				return "", fmt.Errorf("unknown time zone %q", zone)
			}
			return time.Now().In(loc).Format(time.RFC3339), nil
		})

	srv.Resource("info://server").
		Name("Server info").
		Description("Name, version and transport of this server").
		MimeType("application/json").
		Handler(func(_ context.Context, uri string, _ map[string]string) (*server.ResourceContent, error) {
			data, err := json.Marshal(map[string]any{
				"name":      cfg.Name,
				"version":   cfg.Version,
				"transport": cfg.Transport,
			})
			if err != nil {
				return nil, err
			}
			return &server.ResourceContent{URI: uri, MimeType: "application/json", Text: string(data)}, nil
		})

	return srv
}
