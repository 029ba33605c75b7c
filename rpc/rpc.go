// Package rpc holds the JSON-RPC 2.0 envelope types shared by the relay
// client and the session layer, and the deduplicating request/response
// history ledger.
package rpc

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/quailyquaily/pairlink/internal/jsonutil"
)

const Version = "2.0"

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// NewRequest builds a request with a freshly generated id. params must
// already be JSON-encodable.
func NewRequest(method string, params any) (Request, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		return Request{}, fmt.Errorf("rpc: method is required")
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return Request{}, fmt.Errorf("rpc: marshal params: %w", err)
	}
	return Request{JSONRPC: Version, ID: GenerateID(), Method: method, Params: raw}, nil
}

func NewResult(id int64, result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("rpc: marshal result: %w", err)
	}
	return Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

func NewError(id int64, code int, message string) Response {
	return Response{JSONRPC: Version, ID: id, Error: &ErrorObject{Code: code, Message: message}}
}

func (r Request) Validate() error {
	if r.JSONRPC != Version {
		return fmt.Errorf("rpc: jsonrpc must be %q", Version)
	}
	if r.ID == 0 {
		return fmt.Errorf("rpc: id is required")
	}
	if strings.TrimSpace(r.Method) == "" {
		return fmt.Errorf("rpc: method is required")
	}
	return nil
}

func (r Response) Validate() error {
	if r.JSONRPC != Version {
		return fmt.Errorf("rpc: jsonrpc must be %q", Version)
	}
	if r.ID == 0 {
		return fmt.Errorf("rpc: id is required")
	}
	if r.Error == nil && len(r.Result) == 0 {
		return fmt.Errorf("rpc: response carries neither result nor error")
	}
	if r.Error != nil && len(r.Result) != 0 {
		return fmt.Errorf("rpc: response carries both result and error")
	}
	return nil
}

// DecodeRequest parses a peer-supplied request defensively.
func DecodeRequest(raw []byte) (Request, error) {
	var req Request
	if err := jsonutil.DecodeStrict(raw, &req); err != nil {
		return Request{}, err
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// DecodeResponse parses a peer-supplied response defensively.
func DecodeResponse(raw []byte) (Response, error) {
	var resp Response
	if err := jsonutil.DecodeStrict(raw, &resp); err != nil {
		return Response{}, err
	}
	if err := resp.Validate(); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// IsResponse reports whether a decoded JSON-RPC payload is a response
// (carries result or error) rather than a request.
func IsResponse(raw []byte) bool {
	var probe struct {
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Method == "" && (len(probe.Result) > 0 || len(probe.Error) > 0)
}

// GenerateID produces the relay id scheme: unix milliseconds scaled by 1000
// plus three random digits, monotonic enough for correlation and unique
// enough across concurrent senders.
func GenerateID() int64 {
	suffix, err := rand.Int(rand.Reader, big.NewInt(1000))
	if err != nil {
		suffix = big.NewInt(0)
	}
	return time.Now().UnixMilli()*1000 + suffix.Int64()
}
