package protocol

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
)

// ID is a JSON-RPC request/response id. The wire format accepts a
// number, a string, or null; null is only valid on an error response to
// an otherwise-unparseable request.
type ID struct {
	strVal   string
	numVal   int64
	isString bool
	isNull   bool
}

// NullID is the JSON-RPC null id, valid only on error responses to
// requests that could not be parsed at all.
var NullID = ID{isNull: true}

// NumberID constructs an integer id.
func NumberID(n int64) ID { return ID{numVal: n} }

// StringID constructs a string id.
func StringID(s string) ID { return ID{strVal: s, isString: true} }

// IsNull reports whether the id is the JSON-RPC null id.
func (id ID) IsNull() bool { return id.isNull }

// String renders the id for logging and map keys.
func (id ID) String() string {
	switch {
	case id.isNull:
		return "null"
	case id.isString:
		return id.strVal
	default:
		return strconv.FormatInt(id.numVal, 10)
	}
}

// Equal reports whether two ids refer to the same request.
func (id ID) Equal(other ID) bool {
	if id.isNull || other.isNull {
		return id.isNull == other.isNull
	}
	if id.isString != other.isString {
		return false
	}
	if id.isString {
		return id.strVal == other.strVal
	}
	return id.numVal == other.numVal
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case id.isNull:
		return []byte("null"), nil
	case id.isString:
		return json.Marshal(id.strVal)
	default:
		return json.Marshal(id.numVal)
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := string(data)
	if trimmed == "null" {
		*id = ID{isNull: true}
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return &ProtocolError{Code: CodeInvalidRequest, Message: "id must be a string, number, or null"}
	}
	*id = NumberID(n)
	return nil
}

var idCounter int64

// NextID returns a monotonically increasing integer id, unique for the
// lifetime of the process. Used by BuildRequest when no id is supplied.
func NextID() ID {
	return NumberID(atomic.AddInt64(&idCounter, 1))
}
