package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/shipped/shipped/internal/api"
	"github.com/spf13/viper"
)

// APIClient handles communication with the shipped server.
type APIClient struct {
	BaseURL string
	Client  *http.Client
}

// NewClient creates a client for the configured server URL.
func NewClient() *APIClient {
	return &APIClient{
		BaseURL: strings.TrimRight(viper.GetString("url"), "/"),
		Client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Do sends a request with an optional JSON body.
func (c *APIClient) Do(method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.Client.Do(req)
}

// Call performs a request, checks the status and decodes the response envelope.
// When out is non-nil the envelope's data field is decoded into it.
func (c *APIClient) Call(method, path string, body, out interface{}) (*api.APIResponse, error) {
	resp, err := c.Do(method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := CheckResponse(resp); err != nil {
		return nil, err
	}

	var envelope struct {
		Message string          `json:"message"`
		Error   string          `json:"error"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	result := &api.APIResponse{Message: envelope.Message, Error: envelope.Error}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return nil, fmt.Errorf("error decoding response data: %w", err)
		}
		result.Data = out
	}
	return result, nil
}

// GetJSON performs a GET and decodes the data field into out.
func (c *APIClient) GetJSON(path string, out interface{}) error {
	_, err := c.Call(http.MethodGet, path, nil, out)
	return err
}

// CheckResponse turns a non-2xx response into an error carrying the server's message.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)
	var apiResp api.APIResponse
	if err := json.Unmarshal(body, &apiResp); err == nil && apiResp.Message != "" {
		if apiResp.Error != "" {
			return fmt.Errorf("API Error (%d): %s: %s", resp.StatusCode, apiResp.Message, apiResp.Error)
		}
		return fmt.Errorf("API Error (%d): %s", resp.StatusCode, apiResp.Message)
	}

	return fmt.Errorf("API Error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// PrintJSON prints data as indented JSON.
func PrintJSON(data interface{}) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		fmt.Printf("Error encoding JSON: %v\n", err)
	}
}
