package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"reliefdispatch/internal/model"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// maxBodyBytes bounds registration payloads.
const maxBodyBytes = 4 << 20

var (
	areasSchema        = mustSchema("areas.schema.json")
	trucksSchema       = mustSchema("trucks.schema.json")
	subscriptionSchema = mustSchema("subscription.schema.json")
)

// ValidationError is a client input error; Message is returned verbatim.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func mustSchema(name string) *jsonschema.Schema {
	b, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		panic(err)
	}
	url := "https://reliefdispatch.local/schemas/" + name
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(b)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// readBody reads a bounded request body.
func readBody(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, invalid("Could not read request body")
	}
	if len(b) > maxBodyBytes {
		return nil, invalid("Request body too large")
	}
	return b, nil
}

// parseJSON decodes raw into a generic value for schema validation.
func parseJSON(raw []byte) (any, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, invalid("Invalid JSON body")
	}
	return v, nil
}

// schemaMessage reduces a schema failure to its first leaf cause.
func schemaMessage(kind string, err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return invalid("Invalid %s payload", kind)
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := strings.TrimPrefix(ve.InstanceLocation, "/")
	if loc == "" {
		return invalid("Invalid %s payload: %s", kind, ve.Message)
	}
	return invalid("Invalid %s payload at %s: %s", kind, loc, ve.Message)
}

func decodeAreas(r *http.Request) ([]model.Area, error) {
	raw, err := readBody(r)
	if err != nil {
		return nil, err
	}
	return ParseAreas(raw)
}

func decodeTrucks(r *http.Request) ([]model.Truck, error) {
	raw, err := readBody(r)
	if err != nil {
		return nil, err
	}
	return ParseTrucks(raw)
}

// ParseAreas validates an area registration batch. Checks run in order: array shape, record
// schema, duplicate ids, urgency range. Failures are *ValidationError.
func ParseAreas(raw []byte) ([]model.Area, error) {
	v, err := parseJSON(raw)
	if err != nil {
		return nil, err
	}
	if _, ok := v.([]any); !ok {
		return nil, invalid("Invalid input, expected an array of areas")
	}
	if err := areasSchema.Validate(v); err != nil {
		return nil, schemaMessage("area", err)
	}
	// Urgency is read as a number first: the schema admits integral values such as 2.0 or 1e20
	// that do not decode into an int.
	var wire []struct {
		AreaID            string             `json:"AreaID"`
		UrgencyLevel      json.Number        `json:"UrgencyLevel"`
		RequiredResources map[string]float64 `json:"RequiredResources"`
		TimeConstraint    float64            `json:"TimeConstraint"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, invalid("Invalid area payload")
	}
	seen := make(map[string]struct{}, len(wire))
	for _, a := range wire {
		if _, dup := seen[a.AreaID]; dup {
			return nil, invalid("Duplicate AreaID: %s found in the request", a.AreaID)
		}
		seen[a.AreaID] = struct{}{}
	}
	areas := make([]model.Area, len(wire))
	for i, a := range wire {
		u, err := a.UrgencyLevel.Float64()
		if err != nil || u < 1 || u > 5 || u != math.Trunc(u) {
			return nil, invalid("Urgency Level must be between 1 and 5")
		}
		areas[i] = model.Area{
			AreaID:            a.AreaID,
			UrgencyLevel:      int(u),
			RequiredResources: a.RequiredResources,
			TimeConstraint:    a.TimeConstraint,
		}
	}
	return areas, nil
}

// ParseTrucks validates a truck registration batch: array shape, record schema, duplicate ids.
func ParseTrucks(raw []byte) ([]model.Truck, error) {
	v, err := parseJSON(raw)
	if err != nil {
		return nil, err
	}
	if _, ok := v.([]any); !ok {
		return nil, invalid("Invalid input, expected an array of trucks")
	}
	if err := trucksSchema.Validate(v); err != nil {
		return nil, schemaMessage("truck", err)
	}
	var trucks []model.Truck
	if err := json.Unmarshal(raw, &trucks); err != nil {
		return nil, invalid("Invalid truck payload")
	}
	seen := make(map[string]struct{}, len(trucks))
	for _, t := range trucks {
		if _, dup := seen[t.TruckID]; dup {
			return nil, invalid("Duplicate TruckID: %s found in the request", t.TruckID)
		}
		seen[t.TruckID] = struct{}{}
	}
	return trucks, nil
}

func decodeSubscription(r *http.Request) (model.SubscriptionRequest, error) {
	raw, err := readBody(r)
	if err != nil {
		return model.SubscriptionRequest{}, err
	}
	v, err := parseJSON(raw)
	if err != nil {
		return model.SubscriptionRequest{}, err
	}
	if err := subscriptionSchema.Validate(v); err != nil {
		return model.SubscriptionRequest{}, schemaMessage("subscription", err)
	}
	var req model.SubscriptionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return model.SubscriptionRequest{}, invalid("Invalid subscription payload")
	}
	return req, nil
}
