// fleetctl is the administrative CLI for a running fleet coordinator. It
// speaks the coordinator's HTTP API; it never touches the store directly.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK             = 0
	exitGeneric        = 1
	exitNotInitialized = 2
	exitConflict       = 3
	exitTimeout        = 4
)

var (
	serverAddr     string
	requestTimeout time.Duration
	outputJSON     bool
)

var rootCmd = &cobra.Command{
	Use:           "fleetctl",
	Short:         "Administer a fleet coordinator",
	Long:          "fleetctl inspects and administers a running fleet coordinator over its HTTP API.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server",
		getEnv("FLEET_SERVER", "http://localhost:3001"),
		"Coordinator base URL")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout",
		30*time.Second, "Per-request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false,
		"Print raw JSON responses")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command error to the documented exit codes: 2 when the
// coordinator is unreachable, 3 on conflicts, 4 on timeouts, 1 otherwise.
func exitCode(err error) int {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusConflict, http.StatusPreconditionFailed:
			return exitConflict
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return exitTimeout
		case http.StatusServiceUnavailable:
			return exitNotInitialized
		}
		return exitGeneric
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return exitTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return exitNotInitialized
	}
	return exitGeneric
}

// apiError is a non-2xx response from the coordinator.
type apiError struct {
	Status  int
	Label   string `json:"error"`
	Details string `json:"details"`
}

func (e *apiError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Label, e.Details)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Label, e.Status)
}

// client wraps the coordinator's HTTP API.
type client struct {
	base string
	http *http.Client
}

func newClient() *client {
	return &client{
		base: serverAddr,
		http: &http.Client{Timeout: requestTimeout},
	}
}

func (c *client) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *client) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *client) patch(path string, body, out any) error {
	return c.do(http.MethodPatch, path, body, out)
}

func (c *client) delete(path string, out any) error {
	return c.do(http.MethodDelete, path, nil, out)
}

func (c *client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting coordinator at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode, Label: http.StatusText(resp.StatusCode)}
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}

	if outputJSON {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, raw, "", "  "); err == nil {
			fmt.Println(pretty.String())
		} else {
			fmt.Println(string(raw))
		}
		return errSkipRender
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// errSkipRender signals that --json already printed the response and the
// command should skip its table rendering.
var errSkipRender = errors.New("rendered as json")

// finish strips errSkipRender so commands can treat it as success.
func finish(err error) error {
	if errors.Is(err, errSkipRender) {
		return nil
	}
	return err
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// age renders a time as a compact relative duration for list output.
func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// trunc shortens s for fixed-width table columns.
func trunc(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
