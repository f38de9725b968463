// Copyright 2025 The gwrs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package defaultpage holds the static 404 response served by the
// fallback peer when no rule matches a request.
package defaultpage

import "fmt"

// Body is the HTML body returned for unmatched requests. It carries the
// literal substring "Gateway.rs" so the fallback response stays
// recognizable across ports and deployments.
const Body = `<!DOCTYPE html>
<html>
<head><title>404 Not Found</title></head>
<body>
<h1>404 Not Found</h1>
<p>No route matched this request.</p>
<p><small>Gateway.rs</small></p>
</body>
</html>
`

// Response renders a literal HTTP/1.1 404 response with Body attached,
// ready to be written directly to a client connection.
func Response() []byte {
	return []byte(fmt.Sprintf(
		"HTTP/1.1 404 Not Found\r\nContent-Type: text/html\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(Body), Body))
}
