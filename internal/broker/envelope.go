package broker

import "encoding/json"

// Request is the command envelope read from the command channel.
type Request struct {
	RequestID       string          `json:"request_id"`
	Method          string          `json:"method"`
	Params          json.RawMessage `json:"params,omitempty"`
	ResponseChannel string          `json:"response_channel"`
}

// Response is published exactly once per decodable request.
type Response struct {
	RequestID string `json:"request_id"`
	Result    any    `json:"result"`
}

// ErrorResult is the result payload of a failed request.
type ErrorResult struct {
	Error string `json:"error"`
}

// Beacon announces a live broker on the discovery channel.
type Beacon struct {
	Address        string  `json:"address"`
	CommandChannel string  `json:"command_channel"`
	Timestamp      float64 `json:"timestamp"`
}

// decodeRequest parses raw. When the envelope is malformed but still names a
// response channel, the partial request is returned alongside the error so
// the caller can be told.
func decodeRequest(raw []byte) (Request, error) {
	var req Request
	err := json.Unmarshal(raw, &req)
	if err == nil {
		return req, nil
	}
	var loose map[string]any
	if jerr := json.Unmarshal(raw, &loose); jerr != nil {
		return Request{}, err
	}
	req = Request{}
	req.RequestID, _ = loose["request_id"].(string)
	req.ResponseChannel, _ = loose["response_channel"].(string)
	req.Method, _ = loose["method"].(string)
	return req, err
}
