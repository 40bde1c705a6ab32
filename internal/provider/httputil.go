package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBody = 64 * 1024

// ParseAPIError turns a non-2xx response into an *APIError, reading at most
// 64 KiB of the body. Both the OpenAI style {"error":{...}} envelope and the
// Google style {"error":{"status":...}} envelope are understood.
func ParseAPIError(providerName string, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("%s upstream error status %d and failed to read body: %w", providerName, resp.StatusCode, err)
	}

	apiErr := &APIError{Provider: providerName, StatusCode: resp.StatusCode}

	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Error) > 0 {
		var obj struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Status  string `json:"status"`
		}
		if err := json.Unmarshal(envelope.Error, &obj); err == nil && obj.Message != "" {
			apiErr.Message = obj.Message
			apiErr.Type = obj.Type
			if apiErr.Type == "" {
				apiErr.Type = obj.Status
			}
			return apiErr
		}
		var text string
		if err := json.Unmarshal(envelope.Error, &text); err == nil && text != "" {
			apiErr.Message = text
			return apiErr
		}
	}

	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// DecodeJSON decodes a provider response body into target.
func DecodeJSON(reader io.Reader, target any) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

// SchemaJSON renders a tool parameter schema, defaulting to an empty object.
func SchemaJSON(def ToolDefinition) (json.RawMessage, error) {
	if def.Parameters == nil {
		return json.RawMessage(`{"type":"object","properties":{}}`), nil
	}
	data, err := json.Marshal(def.Parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %s: %w", def.Name, err)
	}
	return data, nil
}
