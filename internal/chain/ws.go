package chain

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

// WSClient holds an eth_subscribe newHeads stream.
type WSClient struct {
	Endpoint string
	Conn     *websocket.Conn
}

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint}
}

func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.Conn = conn
	return nil
}

func (c *WSClient) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

func (c *WSClient) SubscribeHeads(ctx context.Context) error {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []any{"newHeads"},
	}
	return c.Conn.WriteJSON(payload)
}

func (c *WSClient) Read(ctx context.Context) ([]byte, error) {
	_, msg, err := c.Conn.ReadMessage()
	return msg, err
}

// Head is the part of a newHeads notification the reconciler uses.
type Head struct {
	Number uint64
	Hash   string
}

// ParseHead decodes a newHeads notification. The subscription ack and other
// messages yield ok=false.
func ParseHead(msg []byte) (*Head, bool, error) {
	var env struct {
		Method string `json:"method"`
		Params struct {
			Result json.RawMessage `json:"result"`
		} `json:"params"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, false, err
	}
	if env.Error != nil {
		return nil, false, errors.New(env.Error.Message)
	}
	if env.Method != "eth_subscription" || len(env.Params.Result) == 0 {
		return nil, false, nil
	}

	var data struct {
		Number string `json:"number"`
		Hash   string `json:"hash"`
	}
	if err := json.Unmarshal(env.Params.Result, &data); err != nil {
		return nil, false, err
	}
	number, err := parseHexUint64(data.Number)
	if err != nil {
		return nil, false, err
	}
	return &Head{Number: number, Hash: strings.ToLower(data.Hash)}, true, nil
}

func parseHexUint64(v string) (uint64, error) {
	if v == "" {
		return 0, errors.New("empty hex quantity")
	}
	return strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 64)
}
