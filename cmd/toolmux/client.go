package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/toolmux/toolmux/pkg/gateway"
	"github.com/toolmux/toolmux/pkg/jsonrpc"
	"github.com/toolmux/toolmux/pkg/output"
	"github.com/toolmux/toolmux/pkg/state"
)

// tokenEnvVar names the env var client commands read for bearer auth
// against a gateway that has API auth enabled.
const tokenEnvVar = "TOOLMUX_TOKEN"

// baseURL converts a listen address (":8180" or "127.0.0.1:8180") to a
// client URL.
func baseURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "http://localhost" + listen
	}
	return "http://" + listen
}

// resolveAddr picks the gateway URL for client commands: the --addr flag
// if given, otherwise the first running instance from the state files.
func resolveAddr(flagAddr string) (string, error) {
	if flagAddr != "" {
		return baseURL(strings.TrimPrefix(flagAddr, "http://")), nil
	}
	states, err := state.List()
	if err != nil {
		return "", err
	}
	for _, st := range states {
		if state.IsRunning(&st) {
			return baseURL(st.Listen), nil
		}
	}
	return "", fmt.Errorf("no running gateway found; start one with 'toolmux serve' or pass --addr")
}

func apiGet(url string, out any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token := os.Getenv(tokenEnvVar); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// rpcCall posts one JSON-RPC request to the gateway's /mcp endpoint.
func rpcCall(addr, method string, params any, result any) error {
	req, err := jsonrpc.NewRequest(1, method, params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequest(http.MethodPost, addr+"/mcp", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token := os.Getenv(tokenEnvVar); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 60 * time.Second}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	var resp jsonrpc.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s", resp.Error.Message)
	}
	if result != nil {
		return json.Unmarshal(resp.Result, result)
	}
	return nil
}

func fetchServerStatuses(addr string) ([]gateway.ServerStatus, error) {
	var statuses []gateway.ServerStatus
	if err := apiGet(addr+"/api/servers", &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

func upstreamSummaries(statuses []gateway.ServerStatus) []output.UpstreamSummary {
	summaries := make([]output.UpstreamSummary, 0, len(statuses))
	for _, s := range statuses {
		summaries = append(summaries, output.UpstreamSummary{
			Name:      s.Name,
			Transport: string(s.Transport),
			Status:    s.Status,
			Tools:     s.ToolCount,
			Error:     s.Error,
		})
	}
	return summaries
}
