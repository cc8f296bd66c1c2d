package chirpstack

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	downlink "parkgrid-cloud/internal/downlink/domain"
)

// Client pushes downlink queue items to a ChirpStack REST endpoint.
type Client struct {
	baseURL string
	token   string
	fPort   int
	client  *http.Client
}

// NewClient constructs a network server client.
func NewClient(baseURL, token string, fPort int) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("chirpstack: empty base url")
	}
	if fPort <= 0 {
		fPort = 10
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		fPort:   fPort,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type queueItem struct {
	QueueItem struct {
		Confirmed bool   `json:"confirmed"`
		Data      string `json:"data"`
		FPort     int    `json:"fPort"`
	} `json:"queueItem"`
}

// Send enqueues the command on the device's downlink queue. The command id
// rides along in the payload so the device ack can correlate back.
func (c *Client) Send(ctx context.Context, cmd *downlink.Command) error {
	if c == nil {
		return errors.New("chirpstack: nil client")
	}
	if cmd == nil || cmd.DevEUI == "" {
		return errors.New("chirpstack: command without dev_eui")
	}

	frame := map[string]any{
		"command_id": cmd.ID,
		"type":       cmd.CommandType,
	}
	if len(cmd.Payload) > 0 {
		frame["payload"] = json.RawMessage(cmd.Payload)
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	var item queueItem
	item.QueueItem.Confirmed = true
	item.QueueItem.Data = base64.StdEncoding.EncodeToString(raw)
	item.QueueItem.FPort = c.fPort

	body, err := json.Marshal(item)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/api/devices/%s/queue", cmd.DevEUI)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("chirpstack: http %d", resp.StatusCode)
	}
	return nil
}
