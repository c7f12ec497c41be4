package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultDefinitionName = "Fort Knox Action Monitor"
	watchedFunction       = "execute-action"
)

var (
	errMissingCredentials = errors.New("set CHAINHOOKS_API_KEY or CHAINHOOKS_JWT before registering")
	errMissingWebhookURL  = errors.New("set CHAINHOOK_WEBHOOK_URL to your public webhook endpoint")
)

// chainhooksBaseURL is the Hiro platform host per network.
var chainhooksBaseURL = map[string]string{
	"mainnet": "https://api.mainnet.hiro.so",
	"testnet": "https://api.testnet.hiro.so",
}

// ChainhookDefinition is the subscription registered with the chainhooks service.
type ChainhookDefinition struct {
	Name    string            `json:"name"`
	Version string            `json:"version"`
	Chain   string            `json:"chain"`
	Network string            `json:"network"`
	Filters DefinitionFilters `json:"filters"`
	Options DefinitionOptions `json:"options"`
	Action  DefinitionAction  `json:"action"`
}

type DefinitionFilters struct {
	Events []EventFilter `json:"events"`
}

type EventFilter struct {
	Type               string `json:"type"`
	ContractIdentifier string `json:"contract_identifier"`
	FunctionName       string `json:"function_name"`
}

type DefinitionOptions struct {
	EnableOnRegistration bool `json:"enable_on_registration"`
	DecodeClarityValues  bool `json:"decode_clarity_values"`
	IncludeBlockMetadata bool `json:"include_block_metadata"`
}

type DefinitionAction struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// definitionParams describes what to watch and where to deliver it.
type definitionParams struct {
	Name               string
	WebhookURL         string
	Network            string
	ContractIdentifier string
}

// normalizeNetwork maps anything other than mainnet to testnet.
func normalizeNetwork(network string) string {
	if network == "mainnet" {
		return "mainnet"
	}
	return "testnet"
}

// buildDefinition watches execute-action calls on one contract and posts them to the webhook.
func buildDefinition(p definitionParams) ChainhookDefinition {
	name := p.Name
	if name == "" {
		name = defaultDefinitionName
	}
	return ChainhookDefinition{
		Name:    name,
		Version: "1",
		Chain:   "stacks",
		Network: normalizeNetwork(p.Network),
		Filters: DefinitionFilters{
			Events: []EventFilter{{
				Type:               operationContractCall,
				ContractIdentifier: p.ContractIdentifier,
				FunctionName:       watchedFunction,
			}},
		},
		Options: DefinitionOptions{
			EnableOnRegistration: true,
			DecodeClarityValues:  true,
			IncludeBlockMetadata: true,
		},
		Action: DefinitionAction{
			Type: "http_post",
			URL:  p.WebhookURL,
		},
	}
}

// HTTPClient interface for dependency injection
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// chainhooksClient talks to the chainhooks registration API.
type chainhooksClient struct {
	baseURL    string
	apiKey     string
	jwt        string
	httpClient HTTPClient
}

type registerResponse struct {
	UUID   string `json:"uuid"`
	Status any    `json:"status,omitempty"`
}

// Register creates the subscription and returns its identifier.
func (c *chainhooksClient) Register(ctx context.Context, def ChainhookDefinition) (string, error) {
	reqJSON, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chainhook definition: %w", err)
	}

	url := strings.TrimSuffix(c.baseURL, "/") + "/chainhooks/v1/me/"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqJSON))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("x-api-key", c.apiKey)
	}
	if c.jwt != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.jwt)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request to chainhooks API: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("chainhooks API returned non-OK status: %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	var out registerResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	id, err := uuid.Parse(out.UUID)
	if err != nil {
		return "", fmt.Errorf("chainhooks API returned invalid uuid %q: %w", out.UUID, err)
	}
	return id.String(), nil
}

// newRegistration checks preconditions before any network call and returns the
// client plus the definition to register.
func newRegistration(cfg config, httpClient HTTPClient) (*chainhooksClient, ChainhookDefinition, error) {
	if cfg.apiKey == "" && cfg.jwt == "" {
		return nil, ChainhookDefinition{}, errMissingCredentials
	}
	if cfg.webhookURL == "" {
		return nil, ChainhookDefinition{}, errMissingWebhookURL
	}
	network := normalizeNetwork(cfg.network)
	baseURL := cfg.chainhooksURL
	if baseURL == "" {
		baseURL = chainhooksBaseURL[network]
	}
	client := &chainhooksClient{
		baseURL:    baseURL,
		apiKey:     cfg.apiKey,
		jwt:        cfg.jwt,
		httpClient: httpClient,
	}
	def := buildDefinition(definitionParams{
		WebhookURL:         cfg.webhookURL,
		Network:            network,
		ContractIdentifier: cfg.contractAddress + "." + cfg.contractName,
	})
	return client, def, nil
}

func registerChainhook(ctx context.Context, cfg config, httpClient HTTPClient) (string, error) {
	client, def, err := newRegistration(cfg, httpClient)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return client.Register(ctx, def)
}
