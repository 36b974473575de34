// Package docs registers the OpenAPI document of the admin API with swag.
// It is regenerated from the handler annotations by go generate.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "license": {
            "name": "Apache 2.0",
            "url": "http://www.apache.org/licenses/LICENSE-2.0.html"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/cel/examples": {
            "get": {
                "produces": ["application/json"],
                "tags": ["nodes"],
                "summary": "Example filter expressions",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/node-types": {
            "get": {
                "produces": ["application/json"],
                "tags": ["nodes"],
                "summary": "List rule node types",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": {"type": "array", "items": {"type": "string"}}}}
                }
            }
        },
        "/partitions": {
            "get": {
                "produces": ["application/json"],
                "tags": ["cluster"],
                "summary": "Partition assignment",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/api.PartitionsResponse"}}
                }
            }
        },
        "/queues/{queue}": {
            "put": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["queues"],
                "summary": "Create or resize a queue",
                "parameters": [
                    {"type": "string", "description": "Queue name", "name": "queue", "in": "path", "required": true},
                    {"description": "Queue settings", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/api.QueueRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            },
            "delete": {
                "tags": ["queues"],
                "summary": "Delete a queue",
                "parameters": [
                    {"type": "string", "description": "Queue name", "name": "queue", "in": "path", "required": true},
                    {"type": "string", "description": "Owning tenant of an isolated queue", "name": "tenant_id", "in": "query"}
                ],
                "responses": {
                    "204": {"description": "No Content"},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        },
        "/tenants/{tenant}": {
            "delete": {
                "tags": ["tenants"],
                "summary": "Delete a tenant",
                "parameters": [
                    {"type": "string", "description": "Tenant ID", "name": "tenant", "in": "path", "required": true}
                ],
                "responses": {
                    "204": {"description": "No Content"},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        },
        "/tenants/{tenant}/chain": {
            "get": {
                "description": "Returns the stored rule chain definition of the tenant",
                "produces": ["application/json"],
                "tags": ["chains"],
                "summary": "Get a tenant's rule chain",
                "parameters": [
                    {"type": "string", "description": "Tenant ID", "name": "tenant", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/engine.ChainDef"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            },
            "put": {
                "description": "Validates, stores and activates a new version of the tenant's rule chain",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["chains"],
                "summary": "Save a tenant's rule chain",
                "parameters": [
                    {"type": "string", "description": "Tenant ID", "name": "tenant", "in": "path", "required": true},
                    {"description": "Rule chain definition", "name": "chain", "in": "body", "required": true, "schema": {"$ref": "#/definitions/engine.ChainDef"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/engine.ChainDef"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            },
            "delete": {
                "tags": ["chains"],
                "summary": "Delete a tenant's rule chain",
                "parameters": [
                    {"type": "string", "description": "Tenant ID", "name": "tenant", "in": "path", "required": true}
                ],
                "responses": {
                    "204": {"description": "No Content"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        },
        "/tenants/{tenant}/failures": {
            "get": {
                "description": "Returns the newest failure records of the tenant",
                "produces": ["application/json"],
                "tags": ["failures"],
                "summary": "List terminal failures",
                "parameters": [
                    {"type": "string", "description": "Tenant ID", "name": "tenant", "in": "path", "required": true},
                    {"type": "integer", "description": "Maximum number of records", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/models.FailureRecord"}}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        },
        "/tenants/{tenant}/messages": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["messages"],
                "summary": "Submit a message",
                "parameters": [
                    {"type": "string", "description": "Tenant ID", "name": "tenant", "in": "path", "required": true},
                    {"description": "Message", "name": "message", "in": "body", "required": true, "schema": {"$ref": "#/definitions/api.MessageRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/errors.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "api.EntityRef": {
            "type": "object",
            "required": ["id", "type"],
            "properties": {
                "id": {"type": "string"},
                "type": {"type": "string"}
            }
        },
        "api.MessageRequest": {
            "type": "object",
            "required": ["originator", "type"],
            "properties": {
                "metadata": {"type": "object", "additionalProperties": {"type": "string"}},
                "originator": {"$ref": "#/definitions/api.EntityRef"},
                "payload": {"type": "object"},
                "queue": {"type": "string"},
                "type": {"type": "string"}
            }
        },
        "api.PartitionsResponse": {
            "type": "object",
            "properties": {
                "members": {"type": "array", "items": {"type": "string"}},
                "node_id": {"type": "string"},
                "queues": {"type": "array", "items": {"$ref": "#/definitions/api.QueuePartitions"}},
                "version": {"type": "integer"}
            }
        },
        "api.QueuePartitions": {
            "type": "object",
            "properties": {
                "consuming": {"type": "array", "items": {"type": "integer"}},
                "owned": {"type": "array", "items": {"type": "integer"}},
                "partitions": {"type": "integer"},
                "queue": {"type": "string"},
                "tenant_id": {"type": "string"}
            }
        },
        "api.QueueRequest": {
            "type": "object",
            "required": ["partitions"],
            "properties": {
                "partitions": {"type": "integer", "minimum": 1},
                "tenant_id": {"type": "string"}
            }
        },
        "engine.ChainDef": {
            "type": "object",
            "properties": {
                "edges": {"type": "array", "items": {"$ref": "#/definitions/engine.EdgeDef"}},
                "entry_node_id": {"type": "string"},
                "id": {"type": "string"},
                "name": {"type": "string"},
                "nodes": {"type": "array", "items": {"$ref": "#/definitions/engine.NodeDef"}},
                "tenant_id": {"type": "string"},
                "version": {"type": "integer"}
            }
        },
        "engine.EdgeDef": {
            "type": "object",
            "properties": {
                "from": {"type": "string"},
                "label": {"type": "string"},
                "to": {"type": "string"}
            }
        },
        "engine.NodeDef": {
            "type": "object",
            "properties": {
                "config": {"type": "object"},
                "debug": {"type": "boolean"},
                "id": {"type": "string"},
                "name": {"type": "string"},
                "type": {"type": "string"}
            }
        },
        "errors.ErrorResponse": {
            "type": "object",
            "properties": {
                "details": {"type": "object", "additionalProperties": true},
                "error": {"type": "string"},
                "error_code": {"type": "string"}
            }
        },
        "models.FailureRecord": {
            "type": "object",
            "properties": {
                "attempt": {"type": "integer"},
                "code": {"type": "string"},
                "message_id": {"type": "string"},
                "node_id": {"type": "string"},
                "occurred_at": {"type": "string"},
                "queue_name": {"type": "string"},
                "reason": {"type": "string"},
                "tenant_id": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/api/v1",
	Schemes:          []string{"http", "https"},
	Title:            "Rule Engine Admin API",
	Description:      "Manages tenants' rule chains and queues, submits messages and reports failures and partition ownership of one rule engine node",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
