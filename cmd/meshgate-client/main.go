// meshgate-client is a command-line MCP client for the gateway. It
// connects over streamable HTTP, lists tools and resources, and
// invokes tools with JSON arguments.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const connectTimeout = 15 * time.Second

func main() {
	fs := flag.NewFlagSet("meshgate-client", flag.ExitOnError)
	url := fs.String("url", envOr("MESHGATE_URL", "http://localhost:8585/mcp"), "Gateway MCP endpoint")
	key := fs.String("key", os.Getenv("MESHGATE_API_KEY"), "API key (Bearer token)")
	timeout := fs.Duration("timeout", 30*time.Second, "Per-call timeout")
	fs.Usage = printUsage
	_ = fs.Parse(os.Args[1:])

	args := fs.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "tools":
		withSession(*url, *key, *timeout, cmdTools)
	case "call":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: tool name required")
			fmt.Fprintln(os.Stderr, "Usage: meshgate-client call <tool> [json-args]")
			os.Exit(1)
		}
		toolArgs := "{}"
		if len(args) > 2 {
			toolArgs = args[2]
		}
		withSession(*url, *key, *timeout, func(ctx context.Context, session *mcpsdk.ClientSession) error {
			return cmdCall(ctx, session, args[1], toolArgs)
		})
	case "resources":
		withSession(*url, *key, *timeout, cmdResources)
	case "read":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: resource URI required")
			fmt.Fprintln(os.Stderr, "Usage: meshgate-client read <uri>")
			os.Exit(1)
		}
		withSession(*url, *key, *timeout, func(ctx context.Context, session *mcpsdk.ClientSession) error {
			return cmdRead(ctx, session, args[1])
		})
	case "--version", "-v":
		fmt.Printf("meshgate-client %s\n", Version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`meshgate-client %s - MCP client for the meshgate gateway

Usage: meshgate-client [options] <command> [args]

Commands:
  tools                List the tools visible to this key
  call <tool> [json]   Call a tool with JSON arguments
  resources            List resources
  read <uri>           Read one resource

Options:
  --url <endpoint>     Gateway endpoint (default http://localhost:8585/mcp, env MESHGATE_URL)
  --key <secret>       API key (env MESHGATE_API_KEY)
  --timeout <dur>      Per-call timeout (default 30s)

Examples:
  meshgate-client tools
  meshgate-client call get_project_state '{"projectId":"prj_cube"}'
  meshgate-client read meshgate://capabilities
`, Version)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// bearerTransport adds the Authorization header to every request.
type bearerTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

func withSession(url, key string, timeout time.Duration, fn func(ctx context.Context, session *mcpsdk.ClientSession) error) {
	transport := &mcpsdk.StreamableClientTransport{Endpoint: url}
	if key != "" {
		transport.HTTPClient = &http.Client{
			Transport: &bearerTransport{base: http.DefaultTransport, token: key},
		}
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "meshgate-client",
		Version: Version,
	}, nil)

	connectCtx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	session, err := client.Connect(connectCtx, transport, nil)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to %s: %v\n", url, err)
		os.Exit(1)
	}
	defer func() { _ = session.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := fn(ctx, session); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdTools(ctx context.Context, session *mcpsdk.ClientSession) error {
	result, err := session.ListTools(ctx, nil)
	if err != nil {
		return err
	}
	if len(result.Tools) == 0 {
		fmt.Println("No tools visible to this key.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tDESCRIPTION")
	for _, tool := range result.Tools {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", tool.Name, tool.Description)
	}
	return w.Flush()
}

func cmdCall(ctx context.Context, session *mcpsdk.ClientSession, name, rawArgs string) error {
	var args map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return fmt.Errorf("arguments must be a JSON object: %w", err)
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return err
	}

	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			fmt.Println(tc.Text)
		}
	}
	if result.IsError {
		os.Exit(2)
	}
	return nil
}

func cmdResources(ctx context.Context, session *mcpsdk.ClientSession) error {
	result, err := session.ListResources(ctx, nil)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "URI\tNAME\tDESCRIPTION")
	for _, res := range result.Resources {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", res.URI, res.Name, res.Description)
	}
	return w.Flush()
}

func cmdRead(ctx context.Context, session *mcpsdk.ClientSession, uri string) error {
	result, err := session.ReadResource(ctx, &mcpsdk.ReadResourceParams{URI: uri})
	if err != nil {
		return err
	}
	for _, contents := range result.Contents {
		fmt.Println(contents.Text)
	}
	return nil
}
