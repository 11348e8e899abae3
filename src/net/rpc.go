package net

// RPCResponse carries a command response or the error that prevented one.
type RPCResponse struct {
	Response interface{}
	Error    error
}

// RPC is a command delivered on the transport's consumer channel, paired
// with the channel the handler answers on.
type RPC struct {
	Command  interface{}
	RespChan chan<- RPCResponse
}

// Respond answers the RPC with a response, an error, or both.
func (r *RPC) Respond(resp interface{}, err error) {
	r.RespChan <- RPCResponse{resp, err}
}
