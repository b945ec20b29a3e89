package openapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	doc, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "statelesse", doc.Info.Title)
	assert.NotNil(t, doc.Paths.Value("/StreamMessages"))
	assert.NotNil(t, doc.Components.Schemas["Message"])
}

func TestEventSourceEndpoints(t *testing.T) {
	doc, err := Load()
	require.NoError(t, err)

	endpoints := EventSourceEndpoints(doc)
	require.Len(t, endpoints, 1)
	assert.Equal(t, EventSourceEndpoint{
		Path:        "/StreamMessages",
		OperationID: "StreamMessages",
		EventType:   "Message",
		Params:      []QueryParam{{Name: "groupId", Required: true}},
	}, endpoints[0])
}

func TestEventSourceEndpoints_Detection(t *testing.T) {
	const raw = `
openapi: 3.0.3
info: {title: t, version: "1"}
paths:
  /scores/live:
    get:
      operationId: StreamScores
      parameters:
        - {name: matchId, in: query, required: true, schema: {type: string}}
        - {name: since, in: query, schema: {type: integer}}
        - {name: X-Trace, in: header, schema: {type: string}}
      responses:
        "200":
          description: ok
          content:
            text/event-stream:
              schema: {$ref: "#/components/schemas/Score"}
  /notifications:
    get:
      operationId: Notifications
      x-event-source: true
      x-event-type: Notice
      responses:
        "200": {description: ok}
  /stream/upload:
    post:
      operationId: StreamUpload
      responses:
        "200": {description: ok}
  /users:
    get:
      operationId: ListUsers
      responses:
        "200": {description: ok}
components:
  schemas:
    Score:
      type: object
`
	doc, err := openapi3.NewLoader().LoadFromData([]byte(raw))
	require.NoError(t, err)

	endpoints := EventSourceEndpoints(doc)
	require.Len(t, endpoints, 2)

	// 依路徑排序
	assert.Equal(t, "/notifications", endpoints[0].Path)
	assert.Equal(t, "Notice", endpoints[0].EventType)
	assert.Empty(t, endpoints[0].Params)

	assert.Equal(t, "/scores/live", endpoints[1].Path)
	assert.Equal(t, "Score", endpoints[1].EventType)
	assert.Equal(t, []QueryParam{
		{Name: "matchId", Required: true},
		{Name: "since", Required: false},
	}, endpoints[1].Params)

	assert.Nil(t, EventSourceEndpoints(nil))
}

func TestValidator(t *testing.T) {
	gin.SetMode(gin.TestMode)
	doc, err := Load()
	require.NoError(t, err)
	validator, err := Validator(doc)
	require.NoError(t, err)

	router := gin.New()
	router.Use(validator)
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	router.POST("/CreateMessage", ok)
	router.POST("/Broadcast", ok)
	router.GET("/undocumented", ok)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		code   int
	}{
		{name: "valid query", method: http.MethodPost, target: "/CreateMessage?groupId=1&content=hi", code: http.StatusOK},
		{name: "missing content", method: http.MethodPost, target: "/CreateMessage?groupId=1", code: http.StatusBadRequest},
		{name: "empty group", method: http.MethodPost, target: "/CreateMessage?groupId=&content=hi", code: http.StatusBadRequest},
		{name: "valid body", method: http.MethodPost, target: "/Broadcast", body: `{"content":"hi"}`, code: http.StatusOK},
		{name: "invalid body", method: http.MethodPost, target: "/Broadcast", body: `{"content":""}`, code: http.StatusBadRequest},
		{name: "undocumented path", method: http.MethodGet, target: "/undocumented", code: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}
