package common

import (
	"fmt"

	"github.com/apex/log"
)

// RequestParam identifying parameters of one API request, stored in the
// request context at ingress and read back when logging on its behalf
type RequestParam struct {
	// ID the request ID, taken from the configured header or generated
	ID string `json:"id"`
	// Method the request method
	Method string `json:"method"`
	// URI the request URI
	URI string `json:"uri"`
}

// UpdateLogTags enrich an apex log.Fields map with the request's parameters
func (p *RequestParam) UpdateLogTags(tags log.Fields) {
	tags["request_id"] = p.ID
	tags["request_method"] = p.Method
	tags["request_uri"] = fmt.Sprintf("'%s'", p.URI)
}
