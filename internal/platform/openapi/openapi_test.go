package openapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type widget struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Parts     []part    `json:"parts"`
}

type part struct {
	Label string `json:"label"`
}

type createWidget struct {
	Name  string `json:"name" validate:"required,max=40"`
	Kind  string `json:"kind" validate:"required,oneof=small large"`
	Owner string `json:"owner" validate:"omitempty,uuid"`
	Site  string `json:"site" validate:"omitempty,url"`
}

type base struct {
	Start string `json:"start"`
}

type withEmbedded struct {
	base
	Extra bool `json:"extra"`
}

type widgetHandler struct{}

func (widgetHandler) Create(c echo.Context) error { return c.NoContent(http.StatusCreated) }
func (widgetHandler) List(c echo.Context) error   { return c.NoContent(http.StatusOK) }
func (widgetHandler) Get(c echo.Context) error    { return c.NoContent(http.StatusOK) }
func (widgetHandler) Delete(c echo.Context) error { return c.NoContent(http.StatusNoContent) }

func newTestGenerator() (*echo.Echo, *Generator) {
	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc { return next })
	h := widgetHandler{}
	api.POST("/widgets", h.Create)
	api.GET("/widgets", h.List)
	api.GET("/widgets/:id", h.Get)
	api.DELETE("/widgets/:id", h.Delete)
	e.GET("/health", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	g := NewGenerator("Widgets", "1.2.3", "/api/v1", e.Routes)
	g.RegisterRoutes(api)
	g.Describe(http.MethodPost, "/widgets", Operation{Summary: "Create a widget", Request: createWidget{}, Response: widget{}})
	g.Describe(http.MethodGet, "/widgets", Operation{
		Summary: "List widgets", Response: widget{}, Paged: true,
		Query: []Param{{Name: "size", Enum: []string{"small", "large"}}},
	})
	return e, g
}

func path(t *testing.T, spec map[string]interface{}, p, method string) map[string]interface{} {
	t.Helper()
	paths := spec["paths"].(map[string]interface{})
	item, ok := paths[p].(map[string]interface{})
	if !ok {
		t.Fatalf("path %s missing; have %v", p, keys(paths))
	}
	op, ok := item[method].(map[string]interface{})
	if !ok {
		t.Fatalf("%s %s missing", method, p)
	}
	return op
}

func keys(m map[string]interface{}) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestGenerateSpec_Structure(t *testing.T) {
	_, g := newTestGenerator()
	spec := g.GenerateSpec()

	if spec["openapi"] != "3.0.3" {
		t.Errorf("expected openapi 3.0.3, got %v", spec["openapi"])
	}
	info := spec["info"].(map[string]interface{})
	if info["title"] != "Widgets" || info["version"] != "1.2.3" {
		t.Errorf("unexpected info: %v", info)
	}

	paths := spec["paths"].(map[string]interface{})
	if len(paths) != 2 {
		t.Errorf("expected 2 documented paths, got %v", keys(paths))
	}
	for _, p := range []string{"/health", "/openapi.json", "/docs", "/api/v1/widgets"} {
		if _, ok := paths[p]; ok {
			t.Errorf("did not expect %s to be documented", p)
		}
	}
}

func TestGenerateSpec_PathParamsAndDefaults(t *testing.T) {
	_, g := newTestGenerator()
	spec := g.GenerateSpec()

	get := path(t, spec, "/widgets/{id}", "get")
	if get["operationId"] != "get" {
		t.Errorf("expected operationId get, got %v", get["operationId"])
	}
	params := get["parameters"].([]map[string]interface{})
	if len(params) != 1 || params[0]["name"] != "id" || params[0]["in"] != "path" {
		t.Errorf("unexpected params: %v", params)
	}
	if tags := get["tags"].([]string); tags[0] != "widgets" {
		t.Errorf("expected widgets tag, got %v", tags)
	}

	del := path(t, spec, "/widgets/{id}", "delete")
	if _, ok := del["responses"].(map[string]interface{})["204"]; !ok {
		t.Errorf("expected 204 response for delete, got %v", del["responses"])
	}
}

func TestGenerateSpec_RequestSchemaFromValidation(t *testing.T) {
	_, g := newTestGenerator()
	spec := g.GenerateSpec()

	post := path(t, spec, "/widgets", "post")
	if post["summary"] != "Create a widget" {
		t.Errorf("unexpected summary: %v", post["summary"])
	}
	if _, ok := post["responses"].(map[string]interface{})["201"]; !ok {
		t.Error("expected 201 response for POST")
	}

	schemas := spec["components"].(map[string]interface{})["schemas"].(map[string]interface{})
	req := schemas["CreateWidget"].(map[string]interface{})
	props := req["properties"].(map[string]interface{})

	if got := req["required"].([]string); strings.Join(got, ",") != "kind,name" {
		t.Errorf("expected required kind,name, got %v", got)
	}
	if enum := props["kind"].(map[string]interface{})["enum"].([]string); strings.Join(enum, ",") != "small,large" {
		t.Errorf("unexpected enum: %v", enum)
	}
	if props["name"].(map[string]interface{})["maxLength"] != 40 {
		t.Errorf("expected maxLength 40, got %v", props["name"])
	}
	if props["owner"].(map[string]interface{})["format"] != "uuid" {
		t.Errorf("expected uuid format, got %v", props["owner"])
	}
	if props["site"].(map[string]interface{})["format"] != "uri" {
		t.Errorf("expected uri format, got %v", props["site"])
	}
}

func TestGenerateSpec_ResponseSchema(t *testing.T) {
	_, g := newTestGenerator()
	spec := g.GenerateSpec()
	schemas := spec["components"].(map[string]interface{})["schemas"].(map[string]interface{})

	w := schemas["Widget"].(map[string]interface{})
	props := w["properties"].(map[string]interface{})
	if props["id"].(map[string]interface{})["format"] != "uuid" {
		t.Errorf("expected uuid id, got %v", props["id"])
	}
	if props["created_at"].(map[string]interface{})["format"] != "date-time" {
		t.Errorf("expected date-time, got %v", props["created_at"])
	}
	items := props["parts"].(map[string]interface{})["items"].(map[string]interface{})
	if items["$ref"] != "#/components/schemas/Part" {
		t.Errorf("expected Part reference, got %v", items)
	}
	required := strings.Join(w["required"].([]string), ",")
	if strings.Contains(required, "note") || !strings.Contains(required, "name") {
		t.Errorf("unexpected required list: %s", required)
	}
}

func TestGenerateSpec_PagedList(t *testing.T) {
	_, g := newTestGenerator()
	spec := g.GenerateSpec()

	list := path(t, spec, "/widgets", "get")
	var names []string
	for _, p := range list["parameters"].([]map[string]interface{}) {
		names = append(names, p["name"].(string))
	}
	if strings.Join(names, ",") != "size,limit,offset" {
		t.Errorf("unexpected parameters: %v", names)
	}

	ok := list["responses"].(map[string]interface{})["200"].(map[string]interface{})
	schema := ok["content"].(map[string]interface{})["application/json"].(map[string]interface{})["schema"].(map[string]interface{})
	allOf := schema["allOf"].([]interface{})
	if allOf[0].(map[string]interface{})["$ref"] != "#/components/schemas/Response" {
		t.Errorf("expected page envelope reference, got %v", allOf[0])
	}
	data := allOf[1].(map[string]interface{})["properties"].(map[string]interface{})["data"].(map[string]interface{})
	if data["items"].(map[string]interface{})["$ref"] != "#/components/schemas/Widget" {
		t.Errorf("expected Widget items, got %v", data)
	}
}

func TestSchemaOf_EmbeddedAndFormats(t *testing.T) {
	g := NewGenerator("x", "1", "/api", func() []*echo.Route { return nil })
	schemas := map[string]interface{}{}
	g.schemaOf(reflect.TypeOf(withEmbedded{}), schemas)

	s := schemas["WithEmbedded"].(map[string]interface{})
	props := s["properties"].(map[string]interface{})
	if _, ok := props["start"]; !ok {
		t.Errorf("expected embedded field to be flattened, got %v", keys(props))
	}
	if _, ok := props["base"]; ok {
		t.Error("did not expect embedded struct as a property")
	}
}

func TestConvertPath(t *testing.T) {
	p, params := convertPath("/therapists/:id/slots/:slot")
	if p != "/therapists/{id}/slots/{slot}" {
		t.Errorf("unexpected path %s", p)
	}
	if strings.Join(params, ",") != "id,slot" {
		t.Errorf("unexpected params %v", params)
	}
}

func TestRegisterRoutes(t *testing.T) {
	e, _ := newTestGenerator()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/openapi.json", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if doc["openapi"] != "3.0.3" {
		t.Errorf("unexpected document: %v", doc["openapi"])
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/docs", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "swagger-ui") {
		t.Errorf("expected swagger ui page, got %d", rec.Code)
	}
}
