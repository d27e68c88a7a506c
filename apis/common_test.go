package apis

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alwitt/chatrelay/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestRequestLogTagEnrichment(t *testing.T) {
	assert := assert.New(t)

	handler := APIRestHandler{
		Component:       common.Component{LogTags: log.Fields{"module": "rest"}},
		requestIDHeader: "Chatrelay-Request-ID",
	}

	// Case 0: a bare context carries only the component tags
	tags := handler.getLogTagsForContext(context.Background())
	assert.Equal("rest", tags["module"])
	_, present := tags["request_id"]
	assert.False(present)

	// Case 1: the ingress middleware seeds the context, and the handler side
	// reads the request parameters back into its log fields
	var seen log.Fields
	wrapped := handler.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		seen = handler.getLogTagsForContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	request := httptest.NewRequest(http.MethodGet, "/ready", nil)
	request.Header.Set("Chatrelay-Request-ID", "req-123")
	wrapped(httptest.NewRecorder(), request)
	assert.Equal("req-123", seen["request_id"])
	assert.Equal(http.MethodGet, seen["request_method"])
	assert.Equal("rest", seen["module"])

	// Case 2: without the header a request ID is still generated
	wrapped(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.NotEmpty(seen["request_id"])
	assert.NotEqual("req-123", seen["request_id"])
}
