package openapi

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers/legacy"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

//go:embed openapi.yaml
var document []byte

const (
	ExtEventSource = "x-event-source"
	ExtEventType   = "x-event-type"
)

// Load 解析內嵌的 OpenAPI 文件並驗證其格式。
func Load() (*openapi3.T, error) {
	const op = "LoadOpenAPI"
	doc, err := openapi3.NewLoader().LoadFromData(document)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return doc, nil
}

type QueryParam struct {
	Name     string
	Required bool
}

// EventSourceEndpoint 描述一個以 text/event-stream 推送的端點
type EventSourceEndpoint struct {
	Path        string
	OperationID string
	EventType   string
	Params      []QueryParam
}

// EventSourceEndpoints 找出文件中所有串流端點，依路徑排序。
//
// GET operation 的路徑或 operationId 含有 "stream"（不分大小寫），或帶有 x-event-source: true 時視為串流端點。
// 事件型別優先取 x-event-type，否則取 200 回應 schema 的 $ref 名稱。
func EventSourceEndpoints(doc *openapi3.T) []EventSourceEndpoint {
	if doc == nil || doc.Paths == nil {
		return nil
	}
	paths := doc.Paths.Map()
	keys := lo.Keys(paths)
	slices.Sort(keys)

	var endpoints []EventSourceEndpoint
	for _, path := range keys {
		get := paths[path].Get
		if get == nil || !isEventSource(path, get) {
			continue
		}
		endpoints = append(endpoints, EventSourceEndpoint{
			Path:        path,
			OperationID: get.OperationID,
			EventType:   eventType(get),
			Params:      queryParams(get),
		})
	}
	return endpoints
}

func isEventSource(path string, op *openapi3.Operation) bool {
	if marked, ok := op.Extensions[ExtEventSource].(bool); ok && marked {
		return true
	}
	return strings.Contains(strings.ToLower(path), "stream") ||
		strings.Contains(strings.ToLower(op.OperationID), "stream")
}

func eventType(op *openapi3.Operation) string {
	if name, ok := op.Extensions[ExtEventType].(string); ok && name != "" {
		return name
	}
	if op.Responses == nil {
		return ""
	}
	resp := op.Responses.Status(http.StatusOK)
	if resp == nil || resp.Value == nil {
		return ""
	}
	// 依序取 event-stream 與其他 media type 的 schema 參考
	mediaTypes := lo.Keys(resp.Value.Content)
	slices.SortFunc(mediaTypes, func(a, b string) int {
		if a == "text/event-stream" {
			return -1
		}
		if b == "text/event-stream" {
			return 1
		}
		return strings.Compare(a, b)
	})
	for _, mt := range mediaTypes {
		schema := resp.Value.Content[mt].Schema
		if schema != nil && schema.Ref != "" {
			return schema.Ref[strings.LastIndex(schema.Ref, "/")+1:]
		}
	}
	return ""
}

func queryParams(op *openapi3.Operation) []QueryParam {
	params := lo.FilterMap(op.Parameters, func(p *openapi3.ParameterRef, _ int) (QueryParam, bool) {
		if p == nil || p.Value == nil || p.Value.In != openapi3.ParameterInQuery {
			return QueryParam{}, false
		}
		return QueryParam{Name: p.Value.Name, Required: p.Value.Required}, true
	})
	return params
}

// Validator 依照 doc 驗證請求，文件中沒有的路徑直接放行。
func Validator(doc *openapi3.T) (gin.HandlerFunc, error) {
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("fail to create openapi router, err=%w", err)
	}
	options := &openapi3filter.Options{
		AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
	}

	return func(c *gin.Context) {
		route, pathParams, err := router.FindRoute(c.Request)
		if err != nil {
			// 文件未描述的路由交給 gin 處理
			c.Next()
			return
		}
		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			Options:    options,
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		c.Next()
	}, nil
}
