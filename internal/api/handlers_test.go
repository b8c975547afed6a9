package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"reliefdispatch/internal/config"
	"reliefdispatch/internal/events"
	"reliefdispatch/internal/model"
	"reliefdispatch/internal/service"
	"reliefdispatch/internal/store"
	"reliefdispatch/internal/webhooks"
)

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	for _, m := range mutate {
		m(&cfg)
	}
	mem := store.NewMemory()
	broker := events.NewMemory()
	svc := service.NewAssignments(mem, mem)
	svc.Events = broker
	svc.Notifier = webhooks.NewPublisher(mem)
	return NewServer(cfg, svc, mem, broker)
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return body.Message
}

const (
	areasBody  = `[{"AreaID":"A1","UrgencyLevel":5,"RequiredResources":{"food":200,"water":300},"TimeConstraint":6},{"AreaID":"A2","UrgencyLevel":3,"RequiredResources":{"medicine":50},"TimeConstraint":4}]`
	trucksBody = `[{"TruckID":"T1","AvailableResources":{"food":250,"water":400},"TravelTimeToArea":{"A1":5,"A2":3}},{"TruckID":"T2","AvailableResources":{"medicine":40},"TravelTimeToArea":{"A1":2,"A2":1}}]`
)

func TestRoot(t *testing.T) {
	h := newTestServer(t).Handler()
	rr := do(t, h, http.MethodGet, "/", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("root: got %d", rr.Code)
	}
	if got := decodeMessage(t, rr); got != RootMessage {
		t.Fatalf("root message: %q", got)
	}
	if rr.Header().Get(headerRequestID) == "" {
		t.Fatal("missing request id header")
	}
	rr = do(t, h, http.MethodGet, "/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown path: got %d", rr.Code)
	}
}

func TestHealthReady(t *testing.T) {
	h := newTestServer(t).Handler()
	if rr := do(t, h, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("health: got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/readyz", ""); rr.Code != http.StatusOK {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestRegisterAreasValidation(t *testing.T) {
	h := newTestServer(t).Handler()
	cases := []struct {
		name string
		body string
		want string
	}{
		{"not an array", `{"AreaID":"A1"}`, "Invalid input, expected an array of areas"},
		{"duplicate id", `[{"AreaID":"A1","UrgencyLevel":1,"RequiredResources":{},"TimeConstraint":1},{"AreaID":"A1","UrgencyLevel":2,"RequiredResources":{},"TimeConstraint":1}]`, "Duplicate AreaID: A1 found in the request"},
		{"urgency too high", `[{"AreaID":"A1","UrgencyLevel":6,"RequiredResources":{},"TimeConstraint":1}]`, "Urgency Level must be between 1 and 5"},
		{"urgency zero", `[{"AreaID":"A1","UrgencyLevel":0,"RequiredResources":{},"TimeConstraint":1}]`, "Urgency Level must be between 1 and 5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/v1/areas", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("got %d: %s", rr.Code, rr.Body.String())
			}
			if got := decodeMessage(t, rr); got != tc.want {
				t.Fatalf("message: got %q want %q", got, tc.want)
			}
		})
	}

	rr := do(t, h, http.MethodPost, "/v1/areas", `[{"AreaID":"A1","UrgencyLevel":2}]`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("schema: got %d", rr.Code)
	}
	if got := decodeMessage(t, rr); !strings.HasPrefix(got, "Invalid area payload") {
		t.Fatalf("schema message: %q", got)
	}

	// rejected batches store nothing
	rr = do(t, h, http.MethodGet, "/v1/areas", "")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("areas after rejected batches: %s", rr.Body.String())
	}
}

func TestRegisterTrucksValidation(t *testing.T) {
	h := newTestServer(t).Handler()
	rr := do(t, h, http.MethodPost, "/v1/trucks", `{}`)
	if got := decodeMessage(t, rr); rr.Code != http.StatusBadRequest || got != "Invalid input, expected an array of trucks" {
		t.Fatalf("not an array: %d %q", rr.Code, got)
	}
	rr = do(t, h, http.MethodPost, "/v1/trucks", `[{"TruckID":"T1","AvailableResources":{},"TravelTimeToArea":{}},{"TruckID":"T1","AvailableResources":{},"TravelTimeToArea":{}}]`)
	if got := decodeMessage(t, rr); rr.Code != http.StatusBadRequest || got != "Duplicate TruckID: T1 found in the request" {
		t.Fatalf("duplicate: %d %q", rr.Code, got)
	}
	rr = do(t, h, http.MethodPost, "/v1/trucks", `[{"TruckID":"T1","AvailableResources":{"water":-1},"TravelTimeToArea":{}}]`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("negative quantity: %d", rr.Code)
	}
}

func TestAssignmentsFlow(t *testing.T) {
	h := newTestServer(t).Handler()

	rr := do(t, h, http.MethodPost, "/v1/areas", areasBody)
	if rr.Code != http.StatusOK || decodeMessage(t, rr) != "Areas added" {
		t.Fatalf("areas: %d %s", rr.Code, rr.Body.String())
	}
	rr = do(t, h, http.MethodPost, "/v1/trucks", trucksBody)
	if rr.Code != http.StatusOK || decodeMessage(t, rr) != "Trucks added" {
		t.Fatalf("trucks: %d %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodPost, "/v1/assignments", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("run: %d %s", rr.Code, rr.Body.String())
	}
	var run assignmentsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &run); err != nil {
		t.Fatal(err)
	}
	if run.Message != "Assignments processed" || run.RunID == "" || len(run.Assignments) != 2 {
		t.Fatalf("run body: %+v", run)
	}
	a1, a2 := run.Assignments[0], run.Assignments[1]
	if a1.AreaID != "A1" || a1.TruckID != "T1" || a1.Status != model.StatusDelivered {
		t.Fatalf("A1 outcome: %+v", a1)
	}
	if a1.ResourcesDelivered["food"] != 200 || a1.ResourcesDelivered["water"] != 300 {
		t.Fatalf("A1 delivered: %+v", a1.ResourcesDelivered)
	}
	if a2.Status != model.StatusUnfulfilled || a2.Error != "No available truck or insufficient resources for Area ID: A2" {
		t.Fatalf("A2 outcome: %+v", a2)
	}

	// truck inventory was consumed
	rr = do(t, h, http.MethodGet, "/v1/trucks", "")
	var trucks []model.Truck
	_ = json.Unmarshal(rr.Body.Bytes(), &trucks)
	if len(trucks) != 2 || trucks[0].AvailableResources["food"] != 50 || trucks[0].AvailableResources["water"] != 100 {
		t.Fatalf("trucks after run: %+v", trucks)
	}

	rr = do(t, h, http.MethodGet, "/v1/assignments", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get: %d", rr.Code)
	}
	var got assignmentsResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &got)
	if got.Message != "Assignments retrieved" || got.RunID != run.RunID || len(got.Assignments) != 2 {
		t.Fatalf("get body: %+v", got)
	}
	etag := rr.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}
	rr = do(t, h, http.MethodGet, "/v1/assignments", "", "If-None-Match", etag)
	if rr.Code != http.StatusNotModified {
		t.Fatalf("conditional get: %d", rr.Code)
	}

	rr = do(t, h, http.MethodDelete, "/v1/assignments", "")
	if rr.Code != http.StatusOK || decodeMessage(t, rr) != "Assignments cleared" {
		t.Fatalf("clear: %d %s", rr.Code, rr.Body.String())
	}
	rr = do(t, h, http.MethodDelete, "/v1/assignments", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("second clear: %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/v1/assignments", "", "If-None-Match", etag)
	if rr.Code != http.StatusOK {
		t.Fatalf("get after clear: %d", rr.Code)
	}
	got = assignmentsResponse{}
	_ = json.Unmarshal(rr.Body.Bytes(), &got)
	if got.Assignments == nil || len(got.Assignments) != 0 {
		t.Fatalf("expected empty assignments, got %s", rr.Body.String())
	}
}

func TestUnversionedPaths(t *testing.T) {
	h := newTestServer(t).Handler()

	if rr := do(t, h, http.MethodPost, "/api/areas", areasBody); rr.Code != http.StatusOK || decodeMessage(t, rr) != "Areas added" {
		t.Fatalf("areas: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodPost, "/api/trucks", trucksBody); rr.Code != http.StatusOK || decodeMessage(t, rr) != "Trucks added" {
		t.Fatalf("trucks: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodPost, "/api/assignments", ""); rr.Code != http.StatusOK || decodeMessage(t, rr) != "Assignments processed" {
		t.Fatalf("run: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodGet, "/api/assignments", ""); rr.Code != http.StatusOK || decodeMessage(t, rr) != "Assignments retrieved" {
		t.Fatalf("get: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodDelete, "/api/assignments", ""); rr.Code != http.StatusOK || decodeMessage(t, rr) != "Assignments cleared" {
		t.Fatalf("clear: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodGet, "/v1/areas", ""); !strings.Contains(rr.Body.String(), `"AreaID":"A1"`) {
		t.Fatalf("aliases share the store: %s", rr.Body.String())
	}
}

func TestRunOnEmptyInventory(t *testing.T) {
	h := newTestServer(t).Handler()
	rr := do(t, h, http.MethodPost, "/v1/assignments", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("run: %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"assignments":[]`) {
		t.Fatalf("body: %s", rr.Body.String())
	}
}

func TestRunRejectsUnknownMode(t *testing.T) {
	h := newTestServer(t).Handler()
	rr := do(t, h, http.MethodPost, "/v1/assignments?mode=fastest", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("got %d", rr.Code)
	}
	rr = do(t, h, http.MethodPost, "/v1/assignments?mode=exhaustive", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"mode":"exhaustive"`) {
		t.Fatalf("exhaustive: %d %s", rr.Code, rr.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestServer(t).Handler()
	rr := do(t, h, http.MethodPut, "/v1/areas", "")
	if rr.Code != http.StatusMethodNotAllowed || rr.Header().Get("Allow") == "" {
		t.Fatalf("got %d allow=%q", rr.Code, rr.Header().Get("Allow"))
	}
}

func TestRolesWithoutAuth(t *testing.T) {
	h := newTestServer(t).Handler()
	rr := do(t, h, http.MethodPost, "/v1/areas", areasBody, "X-Role", "viewer")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer register: %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/v1/areas", "", "X-Role", "viewer")
	if rr.Code != http.StatusOK {
		t.Fatalf("viewer read: %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/v1/subscriptions", "", "X-Role", "dispatcher")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("dispatcher subscriptions: %d", rr.Code)
	}
}

func TestDevTokenAuth(t *testing.T) {
	h := newTestServer(t, func(c *config.Config) { c.Auth.Mode = "dev" }).Handler()
	rr := do(t, h, http.MethodPost, "/v1/trucks", trucksBody)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", rr.Code)
	}
	rr = do(t, h, http.MethodPost, "/v1/trucks", trucksBody, "X-Role", "admin")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("header role must be ignored when auth is enforced: %d", rr.Code)
	}
	rr = do(t, h, http.MethodPost, "/v1/trucks", trucksBody, "Authorization", "Bearer ops:viewer")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer token: %d", rr.Code)
	}
	rr = do(t, h, http.MethodPost, "/v1/trucks", trucksBody, "Authorization", "Bearer ops:dispatcher")
	if rr.Code != http.StatusOK {
		t.Fatalf("dispatcher token: %d %s", rr.Code, rr.Body.String())
	}
	rr = do(t, h, http.MethodGet, "/v1/trucks", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("reads stay open: %d", rr.Code)
	}
}

func TestSubscriptions(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rr := do(t, h, http.MethodPost, "/v1/subscriptions", `{"url":"ftp://x","events":["assignments.processed"]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad url: %d", rr.Code)
	}
	rr = do(t, h, http.MethodPost, "/v1/subscriptions", `{"url":"http://hooks.local/relief","events":["assignments.processed"],"secret":"s3"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}
	var sub model.Subscription
	_ = json.Unmarshal(rr.Body.Bytes(), &sub)
	if sub.ID == "" {
		t.Fatal("missing subscription id")
	}

	rr = do(t, h, http.MethodGet, "/v1/subscriptions", "")
	if rr.Code != http.StatusOK || strings.Contains(rr.Body.String(), "s3") {
		t.Fatalf("list: %d %s", rr.Code, rr.Body.String())
	}

	// a run queues one delivery for the subscriber
	if rr := do(t, h, http.MethodPost, "/v1/assignments", ""); rr.Code != http.StatusOK {
		t.Fatalf("run: %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/v1/admin/webhook-deliveries?status=pending", "")
	var list struct {
		Items []model.WebhookDelivery `json:"items"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &list)
	if rr.Code != http.StatusOK || len(list.Items) != 1 || list.Items[0].EventType != model.EventAssignmentsProcessed {
		t.Fatalf("deliveries: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodGet, "/v1/admin/webhook-deliveries?status=bogus", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter: %d", rr.Code)
	}

	if rr := do(t, h, http.MethodDelete, "/v1/subscriptions/"+sub.ID, ""); rr.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodDelete, "/v1/subscriptions/"+sub.ID, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("delete again: %d", rr.Code)
	}
}

func TestRunMetrics(t *testing.T) {
	h := newTestServer(t).Handler()
	do(t, h, http.MethodPost, "/v1/areas", areasBody)
	do(t, h, http.MethodPost, "/v1/trucks", trucksBody)
	do(t, h, http.MethodPost, "/v1/assignments", "")
	rr := do(t, h, http.MethodGet, "/v1/admin/run-metrics", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "greedy") {
		t.Fatalf("run metrics: %d %s", rr.Code, rr.Body.String())
	}
}

func TestDocsAndDebug(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Auth.HMACSecret = "top-secret" })
	h := s.Handler()
	rr := do(t, h, http.MethodGet, "/openapi.json", "")
	var doc map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil || doc["openapi"] != "3.0.3" {
		t.Fatalf("openapi.json: %d %v", rr.Code, err)
	}
	if rr := do(t, h, http.MethodGet, "/openapi.yaml", ""); rr.Code != http.StatusOK {
		t.Fatalf("openapi.yaml: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/swagger", ""); rr.Code != http.StatusOK {
		t.Fatalf("swagger: %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/debug/info", "")
	if rr.Code != http.StatusOK || strings.Contains(rr.Body.String(), "top-secret") {
		t.Fatalf("debug: %d %s", rr.Code, rr.Body.String())
	}
}
