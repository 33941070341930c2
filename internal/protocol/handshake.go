package protocol

// ProtocolVersion is the MCP protocol version this bridge speaks during
// the initialize handshake.
const ProtocolVersion = "2024-11-05"

// ClientInfo identifies the bridge to a child server during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the payload of the client-to-server "initialize"
// request.
type InitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      ClientInfo             `json:"clientInfo"`
}

// BuildInitializeRequest constructs the handshake request. No other
// method may be sent on a transport before its response is observed.
func BuildInitializeRequest(client ClientInfo, capabilities map[string]interface{}) (Request, error) {
	if capabilities == nil {
		capabilities = map[string]interface{}{}
	}
	return BuildRequest("initialize", InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    capabilities,
		ClientInfo:      client,
	})
}
