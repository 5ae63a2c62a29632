package openapi

import (
	"encoding"
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/scheduler/pkg/pagination"
)

// Operation documents one route. Request and Response are sample values whose
// types are reflected into schemas; nil means no body.
type Operation struct {
	Summary  string
	Status   int
	Request  interface{}
	Response interface{}
	// Paged wraps Response in the paginated list envelope.
	Paged bool
	Query []Param
}

// Param is a documented query parameter.
type Param struct {
	Name        string
	Description string
	Enum        []string
}

var (
	textMarshaler = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	timeType      = reflect.TypeOf(time.Time{})
	uuidType      = reflect.TypeOf(uuid.UUID{})
)

var documentedMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true,
}

// Generator builds an OpenAPI 3.0 document from the live route table.
type Generator struct {
	title    string
	version  string
	basePath string
	routes   func() []*echo.Route

	mu      sync.RWMutex
	ops     map[string]Operation
	formats map[reflect.Type]string
}

// NewGenerator documents the routes under basePath returned by routes.
func NewGenerator(title, version, basePath string, routes func() []*echo.Route) *Generator {
	return &Generator{
		title:    title,
		version:  version,
		basePath: strings.TrimSuffix(basePath, "/"),
		routes:   routes,
		ops:      make(map[string]Operation),
		formats:  map[reflect.Type]string{timeType: "date-time", uuidType: "uuid"},
	}
}

// Describe attaches documentation to a route. path is relative to the base
// path and uses echo syntax (":id").
func (g *Generator) Describe(method, path string, op Operation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ops[method+" "+g.basePath+path] = op
}

// Format sets the string format reported for a text-marshalled type.
func (g *Generator) Format(sample interface{}, format string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.formats[reflect.TypeOf(sample)] = format
}

// GenerateSpec produces the OpenAPI document as a map.
func (g *Generator) GenerateSpec() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	schemas := map[string]interface{}{
		"Error": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"error":   map[string]interface{}{"type": "string"},
				"message": map[string]interface{}{"type": "string"},
				"fields": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "object"},
				},
			},
		},
	}
	paths := make(map[string]interface{})

	routes := g.routes()
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})

	for _, r := range routes {
		if !documentedMethods[r.Method] || !strings.HasPrefix(r.Path, g.basePath+"/") {
			continue
		}
		rel := strings.TrimPrefix(r.Path, g.basePath)
		if rel == "/openapi.json" || rel == "/docs" {
			continue
		}
		oaPath, params := convertPath(rel)
		item, _ := paths[oaPath].(map[string]interface{})
		if item == nil {
			item = make(map[string]interface{})
			paths[oaPath] = item
		}
		item[strings.ToLower(r.Method)] = g.operation(r, params, schemas)
	}

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":   g.title,
			"version": g.version,
		},
		"servers": []map[string]string{{"url": g.basePath}},
		"paths":   paths,
		"components": map[string]interface{}{
			"schemas": schemas,
			"securitySchemes": map[string]interface{}{
				"bearerAuth": map[string]interface{}{"type": "http", "scheme": "bearer", "bearerFormat": "JWT"},
			},
		},
		"security": []map[string][]string{{"bearerAuth": {}}},
	}
}

func (g *Generator) operation(r *echo.Route, pathParams []string, schemas map[string]interface{}) map[string]interface{} {
	op, described := g.ops[r.Method+" "+r.Path]

	status := op.Status
	if status == 0 {
		status = http.StatusOK
		if r.Method == http.MethodPost {
			status = http.StatusCreated
		}
		if r.Method == http.MethodDelete {
			status = http.StatusNoContent
		}
	}

	out := map[string]interface{}{
		"operationId": operationID(r),
		"tags":        []string{tagFor(r.Path, g.basePath)},
	}
	if described && op.Summary != "" {
		out["summary"] = op.Summary
	}

	var params []map[string]interface{}
	for _, p := range pathParams {
		params = append(params, map[string]interface{}{
			"name": p, "in": "path", "required": true,
			"schema": map[string]string{"type": "string"},
		})
	}
	for _, q := range op.Query {
		schema := map[string]interface{}{"type": "string"}
		if len(q.Enum) > 0 {
			schema["enum"] = q.Enum
		}
		param := map[string]interface{}{"name": q.Name, "in": "query", "schema": schema}
		if q.Description != "" {
			param["description"] = q.Description
		}
		params = append(params, param)
	}
	if op.Paged {
		params = append(params,
			map[string]interface{}{"name": "limit", "in": "query", "schema": map[string]interface{}{"type": "integer", "minimum": 1, "maximum": pagination.MaxLimit}},
			map[string]interface{}{"name": "offset", "in": "query", "schema": map[string]interface{}{"type": "integer", "minimum": 0}},
		)
	}
	if len(params) > 0 {
		out["parameters"] = params
	}

	if op.Request != nil {
		out["requestBody"] = map[string]interface{}{
			"required": true,
			"content": map[string]interface{}{
				"application/json": map[string]interface{}{"schema": g.schemaOf(reflect.TypeOf(op.Request), schemas)},
			},
		}
	}

	success := map[string]interface{}{"description": http.StatusText(status)}
	if op.Response != nil {
		schema := g.schemaOf(reflect.TypeOf(op.Response), schemas)
		if op.Paged {
			schema = g.pagedSchema(schema, schemas)
		}
		success["content"] = map[string]interface{}{
			"application/json": map[string]interface{}{"schema": schema},
		}
	}
	out["responses"] = map[string]interface{}{
		strconv.Itoa(status): success,
		"default": map[string]interface{}{
			"description": "Error",
			"content": map[string]interface{}{
				"application/json": map[string]interface{}{"schema": ref("Error")},
			},
		},
	}
	return out
}

func (g *Generator) pagedSchema(item map[string]interface{}, schemas map[string]interface{}) map[string]interface{} {
	page := g.schemaOf(reflect.TypeOf(pagination.Response{}), schemas)
	return map[string]interface{}{
		"allOf": []interface{}{
			page,
			map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"data": map[string]interface{}{"type": "array", "items": item},
				},
			},
		},
	}
}

// schemaOf reflects t into a schema. Named structs are registered as
// components and returned as references.
func (g *Generator) schemaOf(t reflect.Type, schemas map[string]interface{}) map[string]interface{} {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t.Implements(textMarshaler) || reflect.PointerTo(t).Implements(textMarshaler) {
		s := map[string]interface{}{"type": "string"}
		if f, ok := g.formats[t]; ok {
			s["format"] = f
		}
		return s
	}

	switch t.Kind() {
	case reflect.String:
		return map[string]interface{}{"type": "string"}
	case reflect.Bool:
		return map[string]interface{}{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]interface{}{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]interface{}{"type": "number"}
	case reflect.Slice, reflect.Array:
		return map[string]interface{}{"type": "array", "items": g.schemaOf(t.Elem(), schemas)}
	case reflect.Map:
		return map[string]interface{}{"type": "object", "additionalProperties": g.schemaOf(t.Elem(), schemas)}
	case reflect.Struct:
		if t.Name() == "" {
			return g.structSchema(t, schemas)
		}
		name := schemaName(t)
		if _, seen := schemas[name]; !seen {
			schemas[name] = map[string]interface{}{"type": "object"} // placeholder for recursive types
			schemas[name] = g.structSchema(t, schemas)
		}
		return ref(name)
	}
	return map[string]interface{}{}
}

func (g *Generator) structSchema(t reflect.Type, schemas map[string]interface{}) map[string]interface{} {
	props := make(map[string]interface{})
	var required []string
	g.collectFields(t, props, &required, schemas)

	s := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		sort.Strings(required)
		s["required"] = required
	}
	return s
}

func (g *Generator) collectFields(t reflect.Type, props map[string]interface{}, required *[]string, schemas map[string]interface{}) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		if f.Anonymous && tag == "" {
			ft := f.Type
			if ft.Kind() == reflect.Ptr {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				g.collectFields(ft, props, required, schemas)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}

		schema := g.schemaOf(f.Type, schemas)
		if _, isRef := schema["$ref"]; !isRef {
			schema = applyValidation(copySchema(schema), f.Tag.Get("validate"))
		}
		props[name] = schema

		if strings.Contains(","+f.Tag.Get("validate")+",", ",required,") {
			*required = append(*required, name)
		} else if f.Tag.Get("validate") == "" && !strings.Contains(opts, "omitempty") && f.Type.Kind() != reflect.Ptr && f.Type.Kind() != reflect.Interface {
			*required = append(*required, name)
		}
	}
}

// applyValidation maps validator tags onto schema keywords.
func applyValidation(s map[string]interface{}, tag string) map[string]interface{} {
	for _, rule := range strings.Split(tag, ",") {
		key, param, _ := strings.Cut(rule, "=")
		switch key {
		case "oneof":
			s["enum"] = strings.Fields(param)
		case "uuid":
			s["format"] = "uuid"
		case "url":
			s["format"] = "uri"
		case "email":
			s["format"] = "email"
		case "max":
			if n, err := strconv.Atoi(param); err == nil && s["type"] == "string" {
				s["maxLength"] = n
			}
		}
	}
	return s
}

func copySchema(s map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func ref(name string) map[string]interface{} {
	return map[string]interface{}{"$ref": "#/components/schemas/" + name}
}

// schemaName turns a Go type into a component name. Unexported request types
// are capitalised.
func schemaName(t reflect.Type) string {
	name := t.Name()
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "Object"
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// convertPath rewrites ":id" segments as "{id}" and returns the parameters.
func convertPath(p string) (string, []string) {
	segs := strings.Split(p, "/")
	var params []string
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			params = append(params, s[1:])
			segs[i] = "{" + s[1:] + "}"
		}
	}
	return strings.Join(segs, "/"), params
}

// operationID derives an id from the handler name, falling back to method
// and path for anonymous handlers.
func operationID(r *echo.Route) string {
	name := strings.TrimSuffix(r.Name, "-fm")
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || strings.HasPrefix(name, "func") {
		name = strings.ToLower(r.Method) + strings.NewReplacer("/", "_", ":", "").Replace(r.Path)
	}
	return strings.ToLower(name[:1]) + name[1:]
}

func tagFor(path, basePath string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(path, basePath), "/")
	tag, _, _ := strings.Cut(rest, "/")
	return tag
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>Scheduling API - Swagger UI</title>
  <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" >
  <style>
    html { box-sizing: border-box; overflow-y: scroll; }
    *, *:before, *:after { box-sizing: inherit; }
    body { margin: 0; background: #fafafa; }
  </style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: "openapi.json",
      dom_id: '#swagger-ui',
      deepLinking: true,
      presets: [
        SwaggerUIBundle.presets.apis,
        SwaggerUIBundle.SwaggerUIStandalonePreset
      ],
      layout: "BaseLayout"
    })
  </script>
</body>
</html>`

// RegisterRoutes registers the OpenAPI endpoints.
func (g *Generator) RegisterRoutes(apiGroup *echo.Group) {
	apiGroup.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateSpec())
	})
	apiGroup.GET("/docs", func(c echo.Context) error {
		return c.HTML(http.StatusOK, swaggerUIHTML)
	})
}
