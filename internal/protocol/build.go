package protocol

import (
	"encoding/json"
	"fmt"
)

// BuildRequest constructs a Request. id is optional; when omitted, a
// monotonically unique integer id is generated. method must be
// non-empty; params may be nil, an object, or an array.
func BuildRequest(method string, params interface{}, id ...ID) (Request, error) {
	if method == "" {
		return Request{}, fmt.Errorf("protocol: method must not be empty")
	}
	raw, err := marshalParams(params)
	if err != nil {
		return Request{}, err
	}
	reqID := NextID()
	if len(id) > 0 {
		reqID = id[0]
	}
	return Request{Method: method, Params: raw, ID: reqID}, nil
}

// BuildNotification constructs a Notification; notifications never carry
// an id on the wire.
func BuildNotification(method string, params interface{}) (Notification, error) {
	if method == "" {
		return Notification{}, fmt.Errorf("protocol: method must not be empty")
	}
	raw, err := marshalParams(params)
	if err != nil {
		return Notification{}, err
	}
	return Notification{Method: method, Params: raw}, nil
}

// BuildSuccess constructs a success Response.
func BuildSuccess(result interface{}, id ID) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("protocol: marshal result: %w", err)
	}
	return Response{Result: raw, ID: id}, nil
}

// BuildError constructs an error Response.
func BuildError(code int, message string, id ID, data ...interface{}) Response {
	errObj := &ErrorObject{Code: code, Message: message}
	if len(data) > 0 {
		errObj.Data = data[0]
	}
	return Response{Error: errObj, ID: id}
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal params: %w", err)
	}
	return raw, nil
}

// Encode serializes a Request, Notification, or Response to wire bytes,
// omitting nil fields. Responses serialize exactly one of result/error.
func Encode(message interface{}) ([]byte, error) {
	switch m := message.(type) {
	case Request:
		idCopy := m.ID
		return json.Marshal(wireRequest{JSONRPC: jsonrpcVersion, Method: m.Method, Params: m.Params, ID: &idCopy})
	case Notification:
		return json.Marshal(wireRequest{JSONRPC: jsonrpcVersion, Method: m.Method, Params: m.Params})
	case Response:
		if (m.Result == nil) == (m.Error == nil) {
			return nil, fmt.Errorf("protocol: response must carry exactly one of result/error")
		}
		return json.Marshal(wireResponse{JSONRPC: jsonrpcVersion, Result: m.Result, Error: m.Error, ID: m.ID})
	case []interface{}:
		return encodeBatch(m)
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", message)
	}
}

func encodeBatch(items []interface{}) ([]byte, error) {
	if len(items) == 0 {
		return nil, &ProtocolError{Code: CodeInvalidRequest, Message: "empty batch"}
	}
	parts := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		b, err := Encode(item)
		if err != nil {
			return nil, err
		}
		parts = append(parts, b)
	}
	return json.Marshal(parts)
}
