// Package iothubtest provides an in-memory IoT Hub configuration store served
// over HTTP for tests.
package iothubtest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iotfleet/terraform-provider-iothub/internal/iothub/configuration"
)

const (
	Token       = "SharedAccessSignature sr=iothubtest&sig=test&se=0&skn=iothubowner"
	ContentType = "assignment"
)

// Server stores configurations in memory and speaks the subset of the IoT Hub
// REST protocol used by the configuration client. Writes honour If-Match and
// every successful write assigns a new etag.
type Server struct {
	*httptest.Server

	mu             sync.Mutex
	order          []string
	configurations map[string]*configuration.Configuration
	version        int
	failures       []failure
	requests       []string
	now            func() time.Time
}

func NewServer() *Server {
	s := &Server{
		configurations: make(map[string]*configuration.Configuration),
		now:            func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Seed stores a configuration directly and returns its etag.
func (s *Server) Seed(req *configuration.CreateRequest) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.store(&configuration.Configuration{
		ID:                req.ID,
		TargetCondition:   req.TargetCondition,
		Priority:          req.Priority,
		Content:           req.Content,
		Labels:            req.Labels.Clone(),
		MetricsDefinition: req.Metrics.Clone(),
	}, nil)
	return stored.ETag
}

type failure struct {
	method     string
	status     int
	afterApply bool
}

// FailNext makes the next len(statuses) requests fail with the given statuses.
func (s *Server) FailNext(statuses ...int) {
	s.FailNextMethod("", statuses...)
}

// FailNextMethod is FailNext restricted to requests using method.
func (s *Server) FailNextMethod(method string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, status := range statuses {
		s.failures = append(s.failures, failure{method: method, status: status})
	}
}

// LoseNextResponse applies the next request using method as usual but
// answers it with status, as if the reply was lost on the way back.
func (s *Server) LoseNextResponse(method string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{method: method, status: status, afterApply: true})
}

// Len reports how many configurations are stored.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Requests returns "METHOD path" for every request received so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) handle(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req.Method+" "+req.URL.Path)

	for i, f := range s.failures {
		if f.method != "" && f.method != req.Method {
			continue
		}
		s.failures = append(s.failures[:i], s.failures[i+1:]...)
		if f.afterApply {
			s.serve(httptest.NewRecorder(), req)
		}
		writeError(w, f.status, "InjectedFailure", "injected failure")
		return
	}
	s.serve(w, req)
}

func (s *Server) serve(w http.ResponseWriter, req *http.Request) {
	if !strings.HasPrefix(req.Header.Get("Authorization"), "SharedAccessSignature ") {
		writeError(w, http.StatusUnauthorized, "IotHubUnauthorizedAccess", "missing shared access signature")
		return
	}
	if _, err := uuid.Parse(req.Header.Get("x-ms-client-request-id")); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequestId", "x-ms-client-request-id is not a uuid")
		return
	}
	if req.URL.Query().Get("api-version") == "" {
		writeError(w, http.StatusBadRequest, "InvalidApiVersion", "api-version is required")
		return
	}

	if req.URL.Path == "/configurations" && req.Method == http.MethodGet {
		s.list(w, req)
		return
	}

	id := strings.TrimPrefix(req.URL.Path, "/configurations/")
	if id == req.URL.Path || id == "" {
		writeError(w, http.StatusNotFound, "NotFound", "unknown route "+req.URL.Path)
		return
	}

	switch req.Method {
	case http.MethodGet:
		s.get(w, id)
	case http.MethodPut:
		s.put(w, req, id)
	case http.MethodDelete:
		s.delete(w, req, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", req.Method)
	}
}

func (s *Server) list(w http.ResponseWriter, req *http.Request) {
	top := len(s.order)
	if value := req.URL.Query().Get("top"); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "InvalidTop", "top must be a positive integer")
			return
		}
		if n < top {
			top = n
		}
	}

	result := make([]*configuration.Configuration, 0, top)
	for _, id := range s.order[:top] {
		result = append(result, s.configurations[id])
	}
	writeJSON(w, http.StatusOK, "", result)
}

func (s *Server) get(w http.ResponseWriter, id string) {
	stored, ok := s.configurations[id]
	if !ok {
		writeError(w, http.StatusNotFound, "ConfigurationNotFound", fmt.Sprintf("configuration %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, stored.ETag, stored)
}

func (s *Server) put(w http.ResponseWriter, req *http.Request, id string) {
	var incoming configuration.Configuration
	if err := json.NewDecoder(req.Body).Decode(&incoming); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidConfiguration", err.Error())
		return
	}
	if incoming.ID != id {
		writeError(w, http.StatusBadRequest, "InvalidConfiguration", "id in body does not match the route")
		return
	}

	existing, exists := s.configurations[id]
	ifMatch := req.Header.Get("If-Match")

	if ifMatch == "" {
		if exists {
			writeError(w, http.StatusConflict, "ConfigurationAlreadyExists", fmt.Sprintf("configuration %s already exists", id))
			return
		}
		if incoming.Content.IsEmpty() {
			writeError(w, http.StatusBadRequest, "InvalidConfiguration", "content is required")
			return
		}
		stored := s.store(&incoming, nil)
		writeJSON(w, http.StatusCreated, stored.ETag, stored)
		return
	}

	if !exists {
		writeError(w, http.StatusNotFound, "ConfigurationNotFound", fmt.Sprintf("configuration %s not found", id))
		return
	}
	if !matches(ifMatch, existing.ETag) {
		writeError(w, http.StatusPreconditionFailed, "PreconditionFailed", "etag does not match")
		return
	}
	if !incoming.Content.IsEmpty() && incoming.Content != existing.Content {
		writeError(w, http.StatusBadRequest, "ConfigurationContentChange", "configuration content cannot be updated")
		return
	}

	incoming.Content = existing.Content
	stored := s.store(&incoming, existing)
	writeJSON(w, http.StatusOK, stored.ETag, stored)
}

func (s *Server) delete(w http.ResponseWriter, req *http.Request, id string) {
	existing, ok := s.configurations[id]
	if !ok {
		writeError(w, http.StatusNotFound, "ConfigurationNotFound", fmt.Sprintf("configuration %s not found", id))
		return
	}
	if ifMatch := req.Header.Get("If-Match"); ifMatch != "" && !matches(ifMatch, existing.ETag) {
		writeError(w, http.StatusPreconditionFailed, "PreconditionFailed", "etag does not match")
		return
	}

	delete(s.configurations, id)
	for i, stored := range s.order {
		if stored == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	existing.Release()
	w.WriteHeader(http.StatusNoContent)
}

// store saves c with a fresh etag, keeping identity fields of previous.
func (s *Server) store(c *configuration.Configuration, previous *configuration.Configuration) *configuration.Configuration {
	s.version++
	now := s.now()

	stored := &configuration.Configuration{
		ID:                      c.ID,
		SchemaVersion:           configuration.SchemaVersion1,
		ETag:                    base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(s.version))),
		TargetCondition:         c.TargetCondition,
		Priority:                c.Priority,
		Content:                 c.Content,
		ContentType:             ContentType,
		Labels:                  c.Labels.Clone(),
		CreatedTimeUTC:          now,
		LastUpdatedTimeUTC:      now,
		MetricsDefinition:       c.MetricsDefinition.Clone(),
		SystemMetricsDefinition: systemQueries(c),
	}
	stored.MetricResult = zeroResults(stored.MetricsDefinition)
	stored.SystemMetricsResult = zeroResults(stored.SystemMetricsDefinition)

	if previous == nil {
		s.order = append(s.order, c.ID)
	} else {
		stored.CreatedTimeUTC = previous.CreatedTimeUTC
	}
	s.configurations[c.ID] = stored
	return stored
}

func systemQueries(c *configuration.Configuration) configuration.MetricsDefinition {
	queries, _ := configuration.BuildMetricsDefinition(
		configuration.NewPair("targetedCount", "select deviceId from devices where "+orTrue(c.TargetCondition)),
		configuration.NewPair("appliedCount", "select deviceId from devices where configurations.[["+c.ID+"]].status = 'Applied'"),
	)
	return queries
}

func zeroResults(queries configuration.MetricsDefinition) configuration.MetricsResult {
	var results configuration.MetricsResult
	queries.Range(func(name, _ string) bool {
		_ = results.Append(name, json.RawMessage("0"))
		return true
	})
	return results
}

func orTrue(condition string) string {
	if condition == "" {
		return "true"
	}
	return condition
}

func matches(ifMatch, etag string) bool {
	return ifMatch == "*" || strings.Trim(ifMatch, `"`) == etag
}

func writeJSON(w http.ResponseWriter, status int, etag string, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if etag != "" {
		w.Header().Set("ETag", `"`+etag+`"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"Message":          fmt.Sprintf("ErrorCode:%s;%s", code, message),
		"ExceptionMessage": "Tracking ID:" + uuid.NewString(),
	})
}
