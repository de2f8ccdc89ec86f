package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"polyglot-sandbox/internal/api"
)

func TestClient_Execute(t *testing.T) {
	var got api.ExecuteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/execute" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "k" {
			t.Errorf("missing api key")
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(api.ExecuteResponse{ID: "e1", Success: true, Stdout: "hi\n", State: "completed"})
	}))
	defer srv.Close()

	c := &client{baseURL: srv.URL + "/", apiKey: "k"}
	res, err := c.execute(api.ExecuteRequest{
		Language:  "python",
		Code:      "print('hi')",
		Overrides: &api.Overrides{TimeoutMS: 2000},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success || res.Stdout != "hi\n" {
		t.Errorf("res = %+v", res)
	}
	if got.Language != "python" || got.Overrides == nil || got.Overrides.TimeoutMS != 2000 {
		t.Errorf("server saw %+v", got)
	}
}

func TestClient_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "runtime busy: python", Code: "RUNTIME_BUSY"})
	}))
	defer srv.Close()

	c := &client{baseURL: srv.URL}
	err := c.do(http.MethodDelete, "/runtimes/python", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "RUNTIME_BUSY") || !strings.Contains(err.Error(), "409") {
		t.Errorf("err = %v", err)
	}
}

func TestClient_NoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var out any
	if err := (&client{baseURL: srv.URL}).do(http.MethodDelete, "/runtimes/go", nil, &out); err != nil {
		t.Errorf("204 should not be an error: %v", err)
	}
}
