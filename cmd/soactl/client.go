package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Client is an HTTP client for the portal API.
type Client struct {
	addr  string
	token string
	http  *http.Client
}

// newClient creates a Client from the current config and environment.
func newClient() *Client {
	addr := cfg.Address
	if v := os.Getenv("SOA_ADDR"); v != "" {
		addr = v
	}
	token := cfg.Token
	if v := os.Getenv("SOA_TOKEN"); v != "" {
		token = v
	}
	caCert := cfg.TLSCACert
	if v := os.Getenv("SOA_CACERT"); v != "" {
		caCert = v
	}

	tlsCfg := &tls.Config{}
	if caCert != "" {
		data, err := os.ReadFile(caCert)
		if err == nil {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(data)
			tlsCfg.RootCAs = pool
		}
	}

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}
	return &Client{addr: strings.TrimRight(addr, "/"), token: token, http: httpClient}
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.addr+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

func (c *Client) get(path string) (map[string]any, error) {
	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) post(path string, body any) (map[string]any, error) {
	resp, err := c.do(http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) put(path string, body any) (map[string]any, error) {
	resp, err := c.do(http.MethodPut, path, body)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *Client) delete(path string) (map[string]any, error) {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

// download fetches an absolute artifact URL, such as a QR code or statement
// PDF, to dst. The session token is only sent to the configured server.
func (c *Client) download(rawURL, dst string) error {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if c.token != "" && strings.HasPrefix(rawURL, c.addr+"/") {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, rawURL)
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// apiError carries the server's error messages and field errors.
type apiError struct {
	Status   int
	Messages []string
}

func (e *apiError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return strings.Join(e.Messages, "; ")
}

func parseResponse(resp *http.Response) (map[string]any, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode}
		if errs, ok := result["errors"].([]any); ok {
			for _, e := range errs {
				apiErr.Messages = append(apiErr.Messages, fmt.Sprint(e))
			}
		}
		return nil, apiErr
	}
	return result, nil
}
