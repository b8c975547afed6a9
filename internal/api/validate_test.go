package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func postBody(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
}

func validationMessage(t *testing.T, err error) string {
	t.Helper()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	return ve.Message
}

func TestDecodeAreasCheckOrder(t *testing.T) {
	// duplicates are reported before urgency problems
	_, err := decodeAreas(postBody(`[{"AreaID":"A","UrgencyLevel":9,"RequiredResources":{},"TimeConstraint":1},{"AreaID":"A","UrgencyLevel":1,"RequiredResources":{},"TimeConstraint":1}]`))
	if got := validationMessage(t, err); got != "Duplicate AreaID: A found in the request" {
		t.Fatalf("got %q", got)
	}
}

func TestDecodeAreasAcceptsZeroValues(t *testing.T) {
	areas, err := decodeAreas(postBody(`[{"AreaID":"A","UrgencyLevel":1,"RequiredResources":{"water":0},"TimeConstraint":0}]`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(areas) != 1 || areas[0].TimeConstraint != 0 {
		t.Fatalf("areas: %+v", areas)
	}
}

func TestDecodeAreasRejectsFractionalUrgency(t *testing.T) {
	_, err := decodeAreas(postBody(`[{"AreaID":"A","UrgencyLevel":2.5,"RequiredResources":{},"TimeConstraint":1}]`))
	if got := validationMessage(t, err); !strings.HasPrefix(got, "Invalid area payload") {
		t.Fatalf("got %q", got)
	}
}

func TestDecodeAreasIntegralUrgency(t *testing.T) {
	areas, err := decodeAreas(postBody(`[{"AreaID":"A","UrgencyLevel":2.0,"RequiredResources":{},"TimeConstraint":1}]`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if areas[0].UrgencyLevel != 2 {
		t.Fatalf("urgency: %d", areas[0].UrgencyLevel)
	}

	for _, u := range []string{"1e20", "0", "-3", "6.0"} {
		_, err := decodeAreas(postBody(`[{"AreaID":"A","UrgencyLevel":` + u + `,"RequiredResources":{},"TimeConstraint":1}]`))
		if got := validationMessage(t, err); got != "Urgency Level must be between 1 and 5" {
			t.Fatalf("urgency %s: got %q", u, got)
		}
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := decodeTrucks(postBody(`[{"TruckID":`))
	if got := validationMessage(t, err); got != "Invalid JSON body" {
		t.Fatalf("got %q", got)
	}
}

func TestDecodeTrucksEmptyArray(t *testing.T) {
	trucks, err := decodeTrucks(postBody(`[]`))
	if err != nil || len(trucks) != 0 {
		t.Fatalf("trucks=%v err=%v", trucks, err)
	}
}

func TestDecodeSubscriptionRejectsUnknownEvent(t *testing.T) {
	_, err := decodeSubscription(postBody(`{"url":"https://x","events":["route.updated"]}`))
	if got := validationMessage(t, err); !strings.HasPrefix(got, "Invalid subscription payload") {
		t.Fatalf("got %q", got)
	}
}
