package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// postBackoff is the delay unit between delivery attempts.
var postBackoff = time.Second

// syntheticDeliveries generates fake chainhook deliveries for demo/testing. No
// external RPC calls; each delivery holds one execute-action call in a new block.
type syntheticDeliveries struct {
	contractID string
	sender     string
	nextBlock  int64
	now        func() time.Time
}

func newSyntheticDeliveries(contractID string, startBlock int64) *syntheticDeliveries {
	return &syntheticDeliveries{
		contractID: contractID,
		sender:     "ST1PQHQKV0RJXZFY1DGX8MNSNYVE3VGZJSRTPGZGM",
		nextBlock:  startBlock,
		now:        time.Now,
	}
}

func (s *syntheticDeliveries) Next() ([]byte, error) {
	height := s.nextBlock
	s.nextBlock++
	payload := map[string]any{
		"event": map[string]any{
			"apply": []any{map[string]any{
				"block_identifier": map[string]any{"index": height},
				"timestamp":        s.now().UnixMilli(),
				"transactions": []any{map[string]any{
					"transaction_identifier": map[string]any{"hash": fmt.Sprintf("0x%064x", height)},
					"metadata":               map[string]any{"sender_address": s.sender},
					"operations": []any{map[string]any{
						"type":                 operationContractCall,
						"operation_identifier": map[string]any{"index": 0},
						"metadata": map[string]any{
							"contract_identifier": s.contractID,
							"function_name":       watchedFunction,
						},
					}},
				}},
			}},
		},
	}
	return json.Marshal(payload)
}

// runSimulate posts count synthetic deliveries to url, one per interval.
func runSimulate(ctx context.Context, client HTTPClient, url string, gen *syntheticDeliveries, count int, interval time.Duration, log *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for sent := 0; sent < count; sent++ {
		if sent > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
		body, err := gen.Next()
		if err != nil {
			return fmt.Errorf("build delivery: %w", err)
		}
		ack, err := postWithRetry(ctx, client, url, body)
		if err != nil {
			return fmt.Errorf("post delivery %d: %w", sent+1, err)
		}
		log.Info("delivery sent", "n", sent+1, "received", ack.Received)
	}
	return nil
}

// postWithRetry tries up to 3 times with linear backoff (1s, 2s).
func postWithRetry(ctx context.Context, client HTTPClient, url string, body []byte) (ackResponse, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		ack, err := postDelivery(ctx, client, url, body)
		if err == nil {
			return ack, nil
		}
		lastErr = err
		if attempt == 2 {
			break
		}
		select {
		case <-ctx.Done():
			return ackResponse{}, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * postBackoff):
		}
	}
	return ackResponse{}, lastErr
}

func postDelivery(ctx context.Context, client HTTPClient, url string, body []byte) (ackResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ackResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return ackResponse{}, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return ackResponse{}, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	var ack ackResponse
	if err := json.Unmarshal(respBody, &ack); err != nil {
		return ackResponse{}, fmt.Errorf("decode ack: %w", err)
	}
	return ack, nil
}
