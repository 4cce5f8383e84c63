package ner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"remote", Config{Name: "spacy", Type: TypeRemote, URL: "http://spacy:8080/ner"}, false},
		{"llm", Config{Name: "llm", Type: TypeLLM, Model: "gpt-4o-mini"}, false},
		{"missing name", Config{Type: TypeRemote, URL: "http://x"}, true},
		{"remote without url", Config{Name: "spacy", Type: TypeRemote}, true},
		{"llm without model", Config{Name: "llm", Type: TypeLLM}, true},
		{"unknown type", Config{Name: "x", Type: "flair"}, true},
		{"block-list name", Config{Name: "blacklist", Type: TypeRemote, URL: "http://x"}, true},
		{"regex name", Config{Name: "regex", Type: TypeRemote, URL: "http://x"}, true},
		{"title name", Config{Name: "regex_title", Type: TypeLLM, Model: "m"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFromConfig(t *testing.T) {
	sources, err := FromConfig([]Config{
		{Name: "spacy", Type: TypeRemote, URL: "http://spacy/ner"},
		{Name: "llm", Type: TypeLLM, Model: "gpt-4o-mini", APIKeyEnv: "REDACT_TEST_UNSET_KEY"},
	}, nil)
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	if len(sources) != 2 || sources[0].Name() != "spacy" || sources[1].Name() != "llm" {
		t.Errorf("FromConfig() built %d sources", len(sources))
	}

	if _, err := FromConfig([]Config{{Name: "x", Type: "bad"}}, nil); err == nil {
		t.Error("FromConfig() with unknown type returned no error")
	}
}

func TestRuneOffsets(t *testing.T) {
	o := newRuneOffsets("Frau Müller")
	start, end, ok := o.bytes(5, 11)
	if !ok || start != 5 || end != 12 {
		t.Errorf("bytes(5, 11) = %d, %d, %v, want 5, 12, true", start, end, ok)
	}
	if _, _, ok := o.bytes(5, 12); ok {
		t.Error("bytes past the end accepted")
	}
	if _, _, ok := o.bytes(3, 3); ok {
		t.Error("empty span accepted")
	}
}

func TestRemoteFindEntities(t *testing.T) {
	text := "Überweisung von Frau Müller aus Köln"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req remoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text != text {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(remoteResponse{Entities: []remoteEntity{
			{Text: "Müller", Start: 21, End: 27, Label: "PER"},
			{Text: "Köln", Start: 32, End: 36, Label: "LOC"},
			{Text: "Köln", Start: 0, End: 4, Label: "LOC"},
		}})
	}))
	defer srv.Close()

	r := NewRemote(Config{Name: "spacy", Type: TypeRemote, URL: srv.URL, Labels: map[string]string{"PER": "PERSON"}}, nil)
	got, err := r.FindEntities(context.Background(), text)
	if err != nil {
		t.Fatalf("FindEntities() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("FindEntities() = %+v, want 2 aligned entities", got)
	}
	for _, e := range got {
		if text[e.Start:e.End] != e.Text {
			t.Errorf("span [%d,%d) = %q, want %q", e.Start, e.End, text[e.Start:e.End], e.Text)
		}
		if e.Source != "spacy" {
			t.Errorf("source = %q, want spacy", e.Source)
		}
	}
	if got[0].Label != "PERSON" || got[1].Label != "LOC" {
		t.Errorf("labels = %s, %s, want PERSON, LOC", got[0].Label, got[1].Label)
	}
}

func TestRemoteServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewRemote(Config{Name: "spacy", URL: srv.URL, Timeout: time.Second}, nil)
	if _, err := r.FindEntities(context.Background(), "Text"); err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("FindEntities() error = %v, want 503", err)
	}
}

func TestLLMFindEntities(t *testing.T) {
	text := "Herr Weber aus Bonn. Herr Weber wurde entlassen."
	content := "```json\n{\"entities\": [{\"text\": \"Herr Weber\", \"label\": \"PERSON\"}," +
		" {\"text\": \"Bonn\", \"label\": \"LOCATION\"}, {\"text\": \"Herr Weber\", \"label\": \"PERSON\"}," +
		" {\"text\": \"Hamburg\", \"label\": \"LOCATION\"}]}\n```"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   "local",
			"choices": []map[string]interface{}{
				{
					"index":         0,
					"finish_reason": "stop",
					"message":       map[string]string{"role": "assistant", "content": content},
				},
			},
		})
	}))
	defer srv.Close()

	l := NewLLM(Config{Name: "llm", Type: TypeLLM, URL: srv.URL + "/v1", Model: "local"}, "test", nil)
	got, err := l.FindEntities(context.Background(), text)
	if err != nil {
		t.Fatalf("FindEntities() error = %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("FindEntities() = %+v, want two Weber hits and one Bonn", got)
	}
	for _, e := range got {
		if text[e.Start:e.End] != e.Text {
			t.Errorf("span [%d,%d) does not reproduce %q", e.Start, e.End, e.Text)
		}
	}
}

func TestLLMLocateWordBoundaries(t *testing.T) {
	l := NewLLM(Config{Name: "llm", Type: TypeLLM, Model: "local"}, "test", nil)

	tests := []struct {
		name   string
		text   string
		detect llmDetection
		want   []int
	}{
		{"prefix of a longer word", "Maximaldosis für Max Mustermann", llmDetection{"Max", "PER"}, []int{18}},
		{"suffix of a longer word", "Rotmax und Max", llmDetection{"max", "PER"}, nil},
		{"umlaut neighbour", "Müllerweg, Frau Müller", llmDetection{"Müller", "PER"}, []int{17}},
		{"punctuation neighbours", "(Weber), Weber.", llmDetection{"Weber", "PER"}, []int{1, 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := l.locate(tt.text, []llmDetection{tt.detect})
			if len(got) != len(tt.want) {
				t.Fatalf("locate() = %+v, want starts %v", got, tt.want)
			}
			for i, e := range got {
				if e.Start != tt.want[i] || tt.text[e.Start:e.End] != e.Text {
					t.Errorf("entity %d = [%d,%d) %q, want start %d", i, e.Start, e.End, e.Text, tt.want[i])
				}
			}
		})
	}
}

func TestCleanJSONResponse(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"```json\n{}\n```", "{}"},
		{"```\n[]\n```", "[]"},
		{"  {\"a\":1} ", "{\"a\":1}"},
	}
	for _, tt := range tests {
		if got := cleanJSONResponse(tt.in); got != tt.want {
			t.Errorf("cleanJSONResponse(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
