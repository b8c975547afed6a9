// Package main runs a demo WebSocket client for assignment events.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event,omitempty"`
	TS    string          `json:"ts,omitempty"`
}

const (
	demoAreas  = `[{"AreaID":"A1","UrgencyLevel":5,"RequiredResources":{"food":200,"water":300},"TimeConstraint":6},{"AreaID":"A2","UrgencyLevel":3,"RequiredResources":{"medicine":50},"TimeConstraint":4}]`
	demoTrucks = `[{"TruckID":"T1","AvailableResources":{"food":250,"water":400},"TravelTimeToArea":{"A1":5,"A2":3}},{"TruckID":"T2","AvailableResources":{"medicine":60},"TravelTimeToArea":{"A1":2,"A2":1}}]`
)

func post(base, path, body string) {
	req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Role", "dispatcher")
	if tok := os.Getenv("TOKEN"); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var msg struct {
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&msg)
	log.Printf("POST %s -> %d %s", path, resp.StatusCode, msg.Message)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/assignments/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s %s", m.Type, string(m.Event))
		}
	}()

	// Seed inventory and trigger a run
	post(base, "/v1/areas", demoAreas)
	post(base, "/v1/trucks", demoTrucks)
	time.Sleep(200 * time.Millisecond)
	post(base, "/v1/assignments", "")

	// Wait briefly to receive a few messages
	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
