// Package schemas embeds the OpenAPI document used to validate inbound
// requests before they reach any handler.
package schemas

import _ "embed"

//go:embed openapi.yaml
var OpenAPISpec []byte
