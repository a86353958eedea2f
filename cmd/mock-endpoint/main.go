package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/palantir/palantir-compute-module-http-enrichment/internal/mockendpoint"
)

func main() {
	addr := defaultString("MOCK_ENDPOINT_ADDR", ":8080")
	routesPath := defaultString("MOCK_ENDPOINT_ROUTES", "/data/routes.yaml")
	token := defaultString("MOCK_ENDPOINT_TOKEN", "")

	fs := flag.NewFlagSet("mock-endpoint", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&routesPath, "routes", routesPath, "YAML file listing scripted routes")
	fs.StringVar(&token, "token", token, "Require this bearer token on every request (also supports env: MOCK_ENDPOINT_TOKEN)")
	_ = fs.Parse(os.Args[1:])

	f, err := os.Open(routesPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "open routes: %v\n", err)
		os.Exit(2)
	}
	routes, err := mockendpoint.LoadRoutes(f)
	_ = f.Close()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	srv := mockendpoint.New(routes...)
	srv.RequireBearerToken(token)

	_, _ = fmt.Fprintf(os.Stdout, "mock-endpoint listening on %s (routes=%d)\n", addr, len(routes))
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
