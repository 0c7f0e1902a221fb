package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/seantiz/sieve/internal/model"
)

const waitPollInterval = 500 * time.Millisecond

func clientFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Usage:   "gateway base URL",
			Value:   "http://localhost:8080",
			Sources: cli.EnvVars("SIEVE_SERVER"),
		},
	}
}

// gatewayClient is a thin JSON client for the gateway API.
type gatewayClient struct {
	base string
	http *http.Client
}

func newGatewayClient(cmd *cli.Command) *gatewayClient {
	return &gatewayClient{base: strings.TrimRight(cmd.String("server"), "/"), http: &http.Client{}}
}

// do sends a request and returns the raw response body. Non-2xx statuses
// become errors carrying the gateway's error message.
func (c *gatewayClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func (c *gatewayClient) getJob(ctx context.Context, id string) (*model.JobRecord, error) {
	data, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var j model.JobRecord
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}

func requireArg(cmd *cli.Command, what string) (string, error) {
	arg := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if arg == "" {
		return "", fmt.Errorf("%s is required", what)
	}
	return arg, nil
}

func printJSON(data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = os.Stdout.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(os.Stdout)
	return err
}

func searchAction(ctx context.Context, cmd *cli.Command) error {
	query, err := requireArg(cmd, "query")
	if err != nil {
		return err
	}
	body := map[string]any{"query": query}
	if d := cmd.Duration("timeout"); d > 0 {
		body["timeout_ms"] = d.Milliseconds()
	}
	data, err := newGatewayClient(cmd).do(ctx, http.MethodPost, "/search", body)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func jobSubmitAction(ctx context.Context, cmd *cli.Command) error {
	query, err := requireArg(cmd, "query")
	if err != nil {
		return err
	}
	c := newGatewayClient(cmd)
	data, err := c.do(ctx, http.MethodPost, "/jobs", map[string]string{"query": query})
	if err != nil {
		return err
	}
	if !cmd.Bool("wait") {
		return printJSON(data)
	}

	var submitted struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(data, &submitted); err != nil {
		return fmt.Errorf("decode submit response: %w", err)
	}
	j, err := waitForJob(ctx, c, submitted.JobID)
	if err != nil {
		return err
	}
	out, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return printJSON(out)
}

// waitForJob polls until the job is terminal. Interrupting the wait cancels
// the job.
func waitForJob(ctx context.Context, c *gatewayClient, id string) (*model.JobRecord, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		j, err := c.getJob(ctx, id)
		if ctx.Err() != nil {
			c.cancelJob(ctx, id)
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, err
		}
		if model.IsTerminal(j.Status) {
			return j, nil
		}
		select {
		case <-ctx.Done():
			c.cancelJob(ctx, id)
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// cancelJob is best effort and outlives ctx.
func (c *gatewayClient) cancelJob(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil); err != nil {
		fmt.Fprintf(os.Stderr, "cancel job %s: %v\n", id, err)
	}
}

func jobGetAction(ctx context.Context, cmd *cli.Command) error {
	id, err := requireArg(cmd, "job id")
	if err != nil {
		return err
	}
	data, err := newGatewayClient(cmd).do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func jobCancelAction(ctx context.Context, cmd *cli.Command) error {
	id, err := requireArg(cmd, "job id")
	if err != nil {
		return err
	}
	data, err := newGatewayClient(cmd).do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func jobListAction(ctx context.Context, cmd *cli.Command) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(int(cmd.Int("limit"))))
	q.Set("offset", strconv.Itoa(int(cmd.Int("offset"))))
	data, err := newGatewayClient(cmd).do(ctx, http.MethodGet, "/jobs?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	return printJSON(data)
}
