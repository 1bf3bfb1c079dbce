package server

import (
	"reflect"

	"github.com/danielgtaylor/huma/v2"
)

// publicOperations skip authentication.
var publicOperations = map[string]bool{
	"health":    true,
	"dev-login": true,
}

var apiSecurity = []map[string][]string{
	{"bearerAuth": {}},
	{"apiKeyAuth": {}},
}

// describeAuth declares the credential schemes and installs a hook that
// documents the error envelope and security on every registered operation.
func describeAuth(oas *huma.OpenAPI) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
		Description:  "HS256 token whose subject is the agent id.",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	oas.OnAddOperation = append(oas.OnAddOperation, documentOperation)
}

func documentOperation(oas *huma.OpenAPI, op *huma.Operation) {
	if op.Responses == nil {
		op.Responses = map[string]*huma.Response{}
	}
	if _, ok := op.Responses["default"]; !ok {
		schema := &huma.Schema{Type: huma.TypeObject}
		if oas.Components != nil && oas.Components.Schemas != nil {
			schema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
		}
		op.Responses["default"] = &huma.Response{
			Description: "Error envelope",
			Content: map[string]*huma.MediaType{
				"application/json": {Schema: schema},
			},
		}
	}
	if !publicOperations[op.OperationID] {
		op.Security = apiSecurity
	}
}
