package httpd_test

import (
	"fmt"
	"time"

	"github.com/yourusername/dynamo/pkg/dynamo/httpd"
)

// Example shows the minimal embedding pattern: a handler that greets on
// the final callback invocation, a daemon bound to a loopback port, and a
// clean stop.
func Example() {
	handler := func(c *httpd.Connection, url, method, version string,
		upload []byte, uploadSize *int, reqState *any) bool {
		if *reqState == nil {
			// First invocation: stash per-request state and accept.
			*reqState = new(struct{})
			return true
		}
		if *uploadSize > 0 {
			// Body invocation: consume everything.
			*uploadSize = 0
			return true
		}
		// Final invocation: reply.
		resp := httpd.NewResponseFromData([]byte("hello, "+url), true)
		resp.AddHeader("Content-Type", "text/plain")
		if err := c.QueueResponse(200, resp); err != nil {
			return false
		}
		resp.Destroy()
		return true
	}

	d, err := httpd.Start(httpd.PolicyInternalPoll, "127.0.0.1:0", handler,
		httpd.WithConnectionTimeout(30*time.Second),
		httpd.WithPerIPConnectionLimit(64),
	)
	if err != nil {
		fmt.Println("start failed:", err)
		return
	}
	defer d.Stop()
}
